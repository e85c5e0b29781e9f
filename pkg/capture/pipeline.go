package capture

import (
	"errors"
	"fmt"
	"math"

	"github.com/video-system/go-device-capture/pkg/input"
)

// pipeline holds the platform objects owned by one session, in acquisition
// order. It must only be touched from the session worker.
type pipeline struct {
	graph  input.Graph
	source input.Source
	sink   input.SampleSink
	still  input.SampleSink

	releases []func()
}

func (p *pipeline) acquire(release func()) {
	p.releases = append(p.releases, release)
}

// teardown unregisters callbacks, then releases objects in reverse order
func (p *pipeline) teardown() {
	if p.still != nil {
		p.still.SetCallback(nil)
	}
	if p.sink != nil {
		p.sink.SetCallback(nil)
	}
	for i := len(p.releases) - 1; i >= 0; i-- {
		p.releases[i]()
	}
	p.releases = nil
}

// frameSize returns the row stride and total size of a 32-bit frame, or an
// error when either does not fit the platform's sample size fields.
func frameSize(width, height int) (rowBytes, size int, err error) {
	if width > math.MaxInt32/bytesPerPixel {
		return 0, 0, fmt.Errorf("row size overflow for width %d", width)
	}
	rowBytes = width * bytesPerPixel
	if uint64(rowBytes)*uint64(height) > math.MaxUint32 {
		return 0, 0, fmt.Errorf("frame size overflow for %dx%d", width, height)
	}
	return rowBytes, rowBytes * height, nil
}

// buildPipeline assembles the capture graph for the session's device and
// native format. On failure every acquired object has been released.
func (s *session) buildPipeline() (*pipeline, error) {
	p := &pipeline{}
	if err := s.assemble(p); err != nil {
		p.teardown()
		return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
	}
	return p, nil
}

func (s *session) assemble(p *pipeline) error {
	graph, err := s.backend.NewGraph()
	if err != nil {
		return fmt.Errorf("create graph: %w", err)
	}
	p.graph = graph
	p.acquire(func() {
		if err := graph.Close(); err != nil {
			s.log.Warn("close graph", "error", err)
		}
	})

	src, err := graph.AddSource(s.device.binding)
	if err != nil {
		return fmt.Errorf("bind %q: %w", s.device.Path, err)
	}
	p.source = src
	p.acquire(src.Release)

	s.probeTrigger(p)

	cfg, err := src.StreamConfig(input.PinCapture)
	if err != nil {
		cfg, err = src.StreamConfig(input.PinPreview)
	}
	if err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	p.acquire(cfg.Release)

	mt, err := cfg.SetFormat(s.format.NativeIndex)
	if err != nil {
		return fmt.Errorf("set format %d: %w", s.format.NativeIndex, err)
	}
	width, height, ok := dimensions(mt.HasVideoInfo, mt.Width, mt.Height)
	if !ok {
		return fmt.Errorf("format %d reports no dimensions", s.format.NativeIndex)
	}
	_, size, err := frameSize(width, height)
	if err != nil {
		return err
	}

	sink, err := graph.AddSampleSink("frames")
	if err != nil {
		return fmt.Errorf("add frame sink: %w", err)
	}
	p.acquire(sink.Release)

	// Negative height requests top-down rows
	err = sink.SetMediaType(input.MediaType{
		Format:       input.FormatRGB32,
		HasVideoInfo: true,
		Width:        width,
		Height:       -height,
		BitCount:     32,
		SampleSize:   size,
	})
	if err != nil {
		return fmt.Errorf("set frame sink type: %w", err)
	}

	null, err := graph.AddNullRenderer("frames-null")
	if err != nil {
		return fmt.Errorf("add null renderer: %w", err)
	}
	p.acquire(null.Release)

	if err := graph.RenderStream(input.PinCapture, input.MediaVideo, src, sink, null); err != nil {
		if err2 := graph.RenderStream(input.PinPreview, input.MediaVideo, src, sink, null); err2 != nil {
			return fmt.Errorf("render stream: %w", errors.Join(err, err2))
		}
	}

	bottomUp := false
	if connected, err := sink.ConnectedMediaType(); err != nil {
		s.log.Warn("connected media type unavailable, assuming top-down", "error", err)
	} else if connected.HasVideoInfo && connected.Height > 0 {
		bottomUp = true
	}

	s.frames = newFrameBuffer(width, height)
	s.frames.bottomUp = bottomUp

	if err := sink.SetCallback(s.frames); err != nil {
		return fmt.Errorf("register frame callback: %w", err)
	}
	p.sink = sink

	if s.trigger.strategy == TriggerFallback {
		s.buildStillBranch(p)
	}

	s.log.Debug("pipeline built",
		"width", width,
		"height", height,
		"bottom_up", bottomUp,
		"trigger", s.trigger.strategy.String())
	return nil
}

// probeTrigger decides the trigger strategy from the device's video control
func (s *session) probeTrigger(p *pipeline) {
	vc, err := p.source.VideoControl()
	if err != nil {
		s.log.Debug("no video control", "error", err)
		return
	}
	p.acquire(vc.Release)

	caps, err := vc.Caps()
	if err != nil || caps&input.FlagTrigger == 0 {
		s.log.Debug("no hardware trigger", "caps", caps, "error", err)
		return
	}
	s.trigger.control = vc
	s.trigger.caps = caps

	mode, err := vc.Mode()
	if err != nil {
		// Poll anyway, treating the bit as clear
		s.log.Warn("read trigger mode", "error", err)
		s.trigger.lastMode = 0
		s.trigger.strategy = TriggerPolling
		return
	}
	if s.trigger.arm(mode) {
		s.trigger.strategy = TriggerPolling
		return
	}
	s.log.Info("trigger bit latched, using still pin", "mode", mode)
	s.trigger.strategy = TriggerFallback
}

// buildStillBranch wires the still output to the trigger callback. Failure
// leaves the session without trigger support.
func (s *session) buildStillBranch(p *pipeline) {
	graph, src := p.graph, p.source

	var (
		sink input.SampleSink
		term input.Node
		err  error
	)
	defer func() {
		if err == nil {
			return
		}
		if term != nil {
			graph.Remove(term)
			term.Release()
		}
		if sink != nil {
			graph.Remove(sink)
			sink.Release()
		}
		s.trigger.strategy = TriggerNone
		s.log.Warn("still pin unavailable, continuing without trigger", "error", err)
	}()

	types, err := src.MediaTypes(input.PinStill)
	if err != nil {
		return
	}
	if len(types) == 0 {
		err = errors.New("still pin offers no media types")
		return
	}

	if sink, err = graph.AddSampleSink("still"); err != nil {
		return
	}
	if err = sink.SetMediaType(types[0]); err != nil {
		return
	}
	if term, err = graph.AddNullRenderer("still-null"); err != nil {
		return
	}

	if err = graph.RenderStream(input.PinStill, input.MediaVideo, src, sink, term); err != nil {
		if err = graph.RenderStream(input.PinStill, input.MediaAny, src, sink, term); err != nil {
			if err = graph.ConnectDirect(src, input.PinStill, sink, term); err != nil {
				return
			}
		}
	}

	if err = sink.SetCallback(&s.trigger); err != nil {
		return
	}
	p.acquire(sink.Release)
	p.acquire(term.Release)
	p.still = sink
}
