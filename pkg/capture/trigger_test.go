package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
	"github.com/video-system/go-device-capture/pkg/input/synthetic"
)

func TestButtonPolling(t *testing.T) {
	cam := testCamera("cam")
	cam.Control = &synthetic.Control{Caps: input.FlagTrigger | input.FlagExternalTriggerEnable}
	m, backend := newTestManager(t, cam)

	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := m.Sessions()[0].Trigger; got != TriggerPolling.String() {
		t.Fatalf("trigger strategy = %s, want polling", got)
	}
	mode, _ := backend.Mode("cam")
	if mode&input.FlagExternalTriggerEnable == 0 {
		t.Errorf("external trigger not enabled, mode %#x", mode)
	}
	if m.ButtonTimestamp(0) != 0 {
		t.Error("timestamp set before any press")
	}

	for press := 0; press < 2; press++ {
		backend.PressButton("cam")
		waitFor(t, "button edge", func() bool { return m.ButtonPressed(0) })
		if m.ButtonPressed(0) {
			t.Errorf("press %d reported twice", press)
		}
		// The worker re-arms by clearing the trigger bit
		waitFor(t, "trigger re-arm", func() bool {
			mode, _ := backend.Mode("cam")
			return mode&input.FlagTrigger == 0
		})
		// Let the worker read back the cleared mode before the next press
		time.Sleep(20 * time.Millisecond)
	}

	if got, want := m.ButtonTimestamp(0), ticks(testClock); got != want {
		t.Errorf("ButtonTimestamp = %d, want %d", got, want)
	}
	// Timestamps are non-destructive
	if m.ButtonTimestamp(0) == 0 {
		t.Error("timestamp cleared by read")
	}
}

func TestButtonFallback(t *testing.T) {
	cam := testCamera("cam")
	cam.Control = &synthetic.Control{
		Caps:    input.FlagTrigger,
		Mode:    input.FlagTrigger,
		Latched: true,
	}
	cam.StillPin = true
	m, backend := newTestManager(t, cam)

	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := m.Sessions()[0].Trigger; got != TriggerFallback.String() {
		t.Fatalf("trigger strategy = %s, want still-pin", got)
	}

	if m.ButtonPressed(0) {
		t.Error("edge reported before any press")
	}
	backend.PressButton("cam")
	if !m.ButtonPressed(0) {
		t.Error("still sample not reported as a press")
	}
	if m.ButtonPressed(0) {
		t.Error("press reported twice")
	}
	if m.ButtonTimestamp(0) != ticks(testClock) {
		t.Errorf("ButtonTimestamp = %d", m.ButtonTimestamp(0))
	}

	if err := m.StopCapture(0); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	trace := backend.Trace()
	if trace[len(trace)-1] != "close graph" {
		t.Errorf("graph not closed last: %v", trace)
	}
}

func TestFallbackDegrades(t *testing.T) {
	tests := []struct {
		name     string
		stillPin bool
		fail     synthetic.Stage
	}{
		{"no still pin", false, synthetic.FailNone},
		{"still connect fails", true, synthetic.FailStill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := testCamera("cam")
			cam.Control = &synthetic.Control{
				Caps:    input.FlagTrigger,
				Mode:    input.FlagTrigger,
				Latched: true,
			}
			cam.StillPin = tt.stillPin
			cam.Fail = tt.fail
			m, backend := newTestManager(t, cam)

			if err := m.StartCapture(0, 8, 4); err != nil {
				t.Fatalf("StartCapture: %v", err)
			}
			if got := m.Sessions()[0].Trigger; got != TriggerNone.String() {
				t.Errorf("trigger strategy = %s, want none", got)
			}

			backend.PushFrame("cam", testFrame(8, 4))
			if !m.HasFirstFrame(0) {
				t.Error("frame path broken by trigger degradation")
			}
			backend.PressButton("cam")
			if m.ButtonPressed(0) {
				t.Error("press reported without trigger support")
			}
		})
	}
}

func TestPollingAfterModeReadFailure(t *testing.T) {
	cam := testCamera("cam")
	cam.Control = &synthetic.Control{
		Caps:         input.FlagTrigger | input.FlagExternalTriggerEnable,
		ModeFailures: 1,
	}
	m, backend := newTestManager(t, cam)

	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := m.Sessions()[0].Trigger; got != TriggerPolling.String() {
		t.Fatalf("trigger strategy = %s, want polling", got)
	}

	backend.PressButton("cam")
	waitFor(t, "button edge", func() bool { return m.ButtonPressed(0) })
	if m.ButtonTimestamp(0) == 0 {
		t.Error("edge recorded without a timestamp")
	}
}

func TestNoVideoControl(t *testing.T) {
	m, backend := newTestManager(t, testCamera("cam"))

	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := m.Sessions()[0].Trigger; got != TriggerNone.String() {
		t.Errorf("trigger strategy = %s, want none", got)
	}
	backend.PressButton("cam")
	if m.ButtonPressed(0) || m.ButtonTimestamp(0) != 0 {
		t.Error("press reported without video control")
	}
}

// stubControl is a VideoControl whose trigger bit cannot be cleared while
// stuck is set
type stubControl struct {
	mode  input.ControlFlags
	stuck bool
}

func (c *stubControl) Caps() (input.ControlFlags, error) {
	return input.FlagTrigger, nil
}

func (c *stubControl) Mode() (input.ControlFlags, error) {
	return c.mode, nil
}

func (c *stubControl) SetMode(mode input.ControlFlags) error {
	if c.stuck && mode&input.FlagTrigger == 0 && c.mode&input.FlagTrigger != 0 {
		return errors.New("stuck")
	}
	c.mode = mode
	return nil
}

func (c *stubControl) Release() {}

func TestPollRearmFailure(t *testing.T) {
	ctl := &stubControl{stuck: true}
	tr := &triggerState{
		now:      func() time.Time { return testClock },
		strategy: TriggerPolling,
		control:  ctl,
	}

	ctl.mode = input.FlagTrigger
	tr.poll()
	if !tr.pressed() {
		t.Fatal("rising edge not reported")
	}

	// Bit stays set: no further edges
	tr.poll()
	tr.poll()
	if tr.pressed() {
		t.Error("stuck trigger bit reported as a new edge")
	}

	// Cleared externally, then pressed again
	ctl.mode = 0
	tr.poll()
	ctl.mode = input.FlagTrigger
	tr.poll()
	if !tr.pressed() {
		t.Error("edge after external clear not reported")
	}
}

func TestArm(t *testing.T) {
	tests := []struct {
		name    string
		caps    input.ControlFlags
		mode    input.ControlFlags
		stuck   bool
		wantOK  bool
		wantEnd input.ControlFlags
	}{
		{"already armed", input.FlagTrigger, 0, false, true, 0},
		{"enable external trigger", input.FlagTrigger | input.FlagExternalTriggerEnable, 0, false, true, input.FlagExternalTriggerEnable},
		{"clear latched bit", input.FlagTrigger, input.FlagTrigger, false, true, 0},
		{"latched bit stuck", input.FlagTrigger, input.FlagTrigger, true, false, input.FlagTrigger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &stubControl{mode: tt.mode, stuck: tt.stuck}
			tr := &triggerState{control: ctl, caps: tt.caps}
			if got := tr.arm(tt.mode); got != tt.wantOK {
				t.Errorf("arm() = %v, want %v", got, tt.wantOK)
			}
			if ctl.mode != tt.wantEnd {
				t.Errorf("device mode = %#x, want %#x", ctl.mode, tt.wantEnd)
			}
		})
	}
}
