package capture

import (
	"sync/atomic"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
)

// fileTimeEpochOffset is the number of 100ns ticks between 1601-01-01 and
// the Unix epoch.
const fileTimeEpochOffset = 116444736000000000

func ticks(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + fileTimeEpochOffset)
}

// triggerState tracks button edges for one session. The strategy is fixed
// once the pipeline is built.
type triggerState struct {
	now func() time.Time

	strategy TriggerStrategy
	control  input.VideoControl
	caps     input.ControlFlags
	lastMode input.ControlFlags

	edge      atomic.Bool
	timestamp atomic.Uint64
}

func (t *triggerState) record() {
	t.timestamp.Store(ticks(t.now()))
	t.edge.Store(true)
}

// arm enables the external trigger and clears a latched trigger bit.
// Returns false when the device rejected the new mode.
func (t *triggerState) arm(mode input.ControlFlags) bool {
	armed := mode
	if t.caps&input.FlagExternalTriggerEnable != 0 {
		armed |= input.FlagExternalTriggerEnable
	}
	armed &^= input.FlagTrigger

	if armed != mode {
		if err := t.control.SetMode(armed); err != nil {
			return false
		}
		mode = armed
	}
	if verify, err := t.control.Mode(); err == nil {
		mode = verify
	}
	t.lastMode = mode
	return true
}

// poll checks the trigger bit once. Runs on the session worker only.
func (t *triggerState) poll() {
	if t.strategy != TriggerPolling {
		return
	}
	mode, err := t.control.Mode()
	if err != nil {
		return
	}

	if mode&input.FlagTrigger != 0 && t.lastMode&input.FlagTrigger == 0 {
		t.record()

		cleared := mode &^ input.FlagTrigger
		if err := t.control.SetMode(cleared); err == nil {
			if verify, err := t.control.Mode(); err == nil {
				mode = verify
			} else {
				mode = cleared
			}
		}
	}
	t.lastMode = mode
}

// pressed reports and clears a pending edge
func (t *triggerState) pressed() bool {
	return t.edge.Swap(false)
}

// OnSample implements input.SampleCallback for the still pin branch
func (t *triggerState) OnSample([]byte) {
	t.record()
}
