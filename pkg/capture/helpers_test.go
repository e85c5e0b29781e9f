package capture

import (
	"context"
	"testing"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
	"github.com/video-system/go-device-capture/pkg/input/synthetic"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testCamera(path string) synthetic.Camera {
	return synthetic.Camera{
		Name: "Test Camera " + path,
		Path: path,
		Caps: synthetic.Caps(input.FormatYUY2, 8, 4, 30),
	}
}

func newTestManager(t *testing.T, cams ...synthetic.Camera) (*Manager, *synthetic.Backend) {
	t.Helper()
	backend := synthetic.New(cams...)
	m := NewManager(backend,
		WithPollInterval(time.Millisecond),
		WithClock(func() time.Time { return testClock }))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m, backend
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// testFrame returns a top-down BGRX frame where every pixel is unique
func testFrame(width, height int) []byte {
	frame := make([]byte, width*height*4)
	for i := range frame {
		frame[i] = byte(i*7 + i/4)
	}
	return frame
}
