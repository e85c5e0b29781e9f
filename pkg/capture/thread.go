package capture

import (
	"fmt"
	"runtime"

	"github.com/video-system/go-device-capture/pkg/input"
)

// lockThread pins the calling goroutine to its OS thread and performs the
// backend's per-thread setup. The returned func undoes both.
func lockThread(backend input.Backend) (func(), error) {
	runtime.LockOSThread()
	leave, err := backend.EnterThread()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("enter %s thread: %w", backend.Name(), err)
	}
	return func() {
		leave()
		runtime.UnlockOSThread()
	}, nil
}

// onOwnThread runs fn on a fresh goroutine pinned to its own OS thread and
// waits for it.
func onOwnThread(backend input.Backend, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		unlock, err := lockThread(backend)
		if err != nil {
			done <- err
			return
		}
		defer unlock()
		done <- fn()
	}()
	return <-done
}
