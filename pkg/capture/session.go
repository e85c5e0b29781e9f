package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/video-system/go-device-capture/pkg/input"
)

// session is one active capture. A dedicated worker goroutine, locked to
// its OS thread, owns every platform object of the session from build to
// teardown.
type session struct {
	id           string
	index        int
	device       Device
	format       Format
	backend      input.Backend
	pollInterval time.Duration
	log          *slog.Logger

	state   atomic.Int32
	frames  *frameBuffer
	trigger triggerState

	started   chan error
	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newSession(index int, dev Device, format Format, backend input.Backend, pollInterval time.Duration, now func() time.Time) *session {
	id := uuid.New().String()
	s := &session{
		id:           id,
		index:        index,
		device:       dev,
		format:       format,
		backend:      backend,
		pollInterval: pollInterval,
		log:          logger().With("session_id", id, "device", dev.Name, "index", index),
		started:      make(chan error, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.trigger.now = now
	return s
}

// start launches the worker and blocks until the pipeline is running or
// the build has failed. A failed session has fully exited on return.
func (s *session) start() error {
	go s.run()
	if err := <-s.started; err != nil {
		<-s.done
		return err
	}
	return nil
}

func (s *session) signalStarted(err error) {
	s.startOnce.Do(func() {
		s.started <- err
	})
}

func (s *session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// State returns the current worker state
func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) run() {
	defer close(s.done)
	s.setState(StateBuilding)

	unlock, err := lockThread(s.backend)
	if err != nil {
		s.setState(StateTerminated)
		s.signalStarted(fmt.Errorf("%w: %w", ErrOpeningDevice, err))
		return
	}
	defer unlock()

	p, err := s.buildPipeline()
	if err != nil {
		s.log.Warn("build pipeline failed", "error", err)
		s.setState(StateTerminated)
		s.signalStarted(err)
		return
	}

	if err := p.graph.Run(); err != nil {
		s.setState(StateTerminated)
		p.teardown()
		s.signalStarted(fmt.Errorf("%w: run graph: %w", ErrOpeningDevice, err))
		return
	}

	s.setState(StateRunning)
	s.signalStarted(nil)
	s.log.Info("capture running",
		"format", s.format.String(),
		"trigger", s.trigger.strategy.String())

	// Only the polling strategy needs the worker to wake up
	var tick <-chan time.Time
	if s.trigger.strategy == TriggerPolling {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-s.stop:
			break loop
		case <-tick:
			s.trigger.poll()
		}
	}

	s.setState(StateDraining)
	if err := p.graph.Stop(); err != nil {
		s.log.Warn("stop graph", "error", err)
	}
	drained := p.graph.DrainEvents()

	s.setState(StateTerminated)
	p.teardown()
	s.log.Info("capture stopped",
		"events_drained", drained,
		"frames", s.frames.received.Load(),
		"dropped", s.frames.dropped.Load())
}

// requestStop asks the worker to leave its run loop
func (s *session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// join waits for the worker to exit
func (s *session) join() {
	<-s.done
}

func (s *session) status() SessionStatus {
	st := SessionStatus{
		DeviceIndex: s.index,
		SessionID:   s.id,
		Device:      s.device.Name,
		State:       s.State().String(),
		Format:      s.format.String(),
		Trigger:     s.trigger.strategy.String(),
	}
	if s.frames != nil {
		st.Width = s.frames.width
		st.Height = s.frames.height
		st.HasFrame = s.frames.hasFrame.Load()
		st.FramesReceived = s.frames.received.Load()
		st.FramesDropped = s.frames.dropped.Load()
	}
	return st
}
