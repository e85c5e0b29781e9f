package synthetic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
)

var errInjected = errors.New("injected failure")

type graph struct {
	backend *Backend
	cam     *camera
	format  *input.StreamCap

	mu      sync.Mutex
	sinks   []*sampleSink
	events  int
	closed  bool
	running atomic.Bool
	stopGen chan struct{}
	genDone sync.WaitGroup
}

func (g *graph) fail(stage Stage) error {
	if g.cam != nil && g.cam.cfg.Fail == stage {
		return fmt.Errorf("%s: %w", g.cam.cfg.Path, errInjected)
	}
	return nil
}

func (g *graph) AddSource(binding string) (input.Source, error) {
	cam, err := g.backend.camera(binding)
	if err != nil {
		return nil, err
	}
	if cam.cfg.Fail == FailBind {
		return nil, fmt.Errorf("bind %s: %w", binding, errInjected)
	}
	g.cam = cam
	return &source{g: g, name: "source"}, nil
}

func (g *graph) AddSampleSink(name string) (input.SampleSink, error) {
	if err := g.fail(FailSink); err != nil {
		return nil, err
	}
	s := &sampleSink{g: g, name: name}
	g.mu.Lock()
	g.sinks = append(g.sinks, s)
	g.mu.Unlock()
	return s, nil
}

func (g *graph) AddNullRenderer(name string) (input.Node, error) {
	return &node{g: g, name: name}, nil
}

func (g *graph) RenderStream(cat input.PinCategory, kind input.MediaKind, src input.Source, sink input.SampleSink, terminal input.Node) error {
	s, ok := sink.(*sampleSink)
	if !ok || g.cam == nil {
		return errors.New("foreign node")
	}

	switch cat {
	case input.PinCapture, input.PinPreview:
		if err := g.fail(FailRender); err != nil {
			return err
		}
		if g.format == nil {
			return errors.New("no format set on source")
		}
		w, h := g.format.Width, abs(g.format.Height)
		if s.mt.Width != w || abs(s.mt.Height) != h {
			return fmt.Errorf("sink %dx%d does not match source %dx%d", s.mt.Width, abs(s.mt.Height), w, h)
		}
		if s.mt.Format != input.FormatRGB32 {
			return fmt.Errorf("no converter to %s", s.mt.Format)
		}
	case input.PinStill:
		if !g.cam.cfg.StillPin {
			return input.ErrNotSupported
		}
		if err := g.fail(FailStill); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown pin %s", cat)
	}

	g.mu.Lock()
	s.cat = cat
	s.connected = true
	g.mu.Unlock()
	g.backend.record("connect %s %s", cat, s.name)
	return nil
}

func (g *graph) ConnectDirect(src input.Source, cat input.PinCategory, sink input.SampleSink, terminal input.Node) error {
	return g.RenderStream(cat, input.MediaAny, src, sink, terminal)
}

func (g *graph) Remove(n input.Node) error {
	s, ok := n.(*sampleSink)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.sinks {
		if x == s {
			g.sinks = append(g.sinks[:i], g.sinks[i+1:]...)
			break
		}
	}
	g.backend.record("remove %s", s.name)
	return nil
}

func (g *graph) Run() error {
	if err := g.fail(FailRun); err != nil {
		return err
	}
	if g.cam == nil {
		return errors.New("graph has no source")
	}
	if !g.running.CompareAndSwap(false, true) {
		return nil
	}

	g.cam.mu.Lock()
	g.cam.graphs[g] = struct{}{}
	g.cam.mu.Unlock()

	g.mu.Lock()
	g.events++
	g.stopGen = make(chan struct{})
	g.mu.Unlock()

	if g.cam.cfg.FrameInterval > 0 && g.format != nil {
		g.genDone.Add(1)
		go g.generateFrames(g.stopGen, g.cam.cfg.FrameInterval)
	}
	if g.cam.cfg.ButtonEvery > 0 {
		g.genDone.Add(1)
		go g.pressButtons(g.stopGen, g.cam.cfg.ButtonEvery)
	}
	g.backend.record("run")
	return nil
}

func (g *graph) Stop() error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}

	g.cam.mu.Lock()
	delete(g.cam.graphs, g)
	g.cam.mu.Unlock()

	g.mu.Lock()
	close(g.stopGen)
	g.events++
	g.mu.Unlock()
	g.genDone.Wait()

	g.backend.record("stop")
	return nil
}

func (g *graph) DrainEvents() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.events
	g.events = 0
	return n
}

func (g *graph) Close() error {
	g.Stop()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.sinks = nil
	g.mu.Unlock()

	g.backend.openGraphs.Add(-1)
	g.backend.record("close graph")
	return nil
}

func (g *graph) connected(still bool) []*sampleSink {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*sampleSink
	for _, s := range g.sinks {
		if s.connected && (s.cat == input.PinStill) == still {
			out = append(out, s)
		}
	}
	return out
}

func (g *graph) frameSinks() []*sampleSink { return g.connected(false) }
func (g *graph) stillSinks() []*sampleSink { return g.connected(true) }

func (g *graph) deliver(sinks []*sampleSink, data []byte) {
	if !g.running.Load() {
		return
	}
	for _, s := range sinks {
		s.deliver(data)
	}
}

// deliverFrame takes a top-down frame and hands it over in the connected
// row order.
func (g *graph) deliverFrame(frame []byte) {
	if g.cam.cfg.BottomUp && g.format != nil {
		frame = flipRows(frame, g.format.Width*4, abs(g.format.Height))
	}
	g.deliver(g.frameSinks(), frame)
}

func (g *graph) generateFrames(stop <-chan struct{}, interval time.Duration) {
	defer g.genDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w, h := g.format.Width, abs(g.format.Height)
	for seq := uint64(0); ; seq++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.deliverFrame(Pattern(w, h, seq))
		}
	}
}

func (g *graph) pressButtons(stop <-chan struct{}, every time.Duration) {
	defer g.genDone.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.cam.press()
		}
	}
}

type node struct {
	g    *graph
	name string
}

func (n *node) Name() string { return n.name }

func (n *node) Release() {
	n.g.backend.record("release %s", n.name)
}

type source struct {
	g    *graph
	name string
}

func (s *source) Name() string { return s.name }

func (s *source) Release() {
	s.g.backend.record("release %s", s.name)
}

func (s *source) VideoControl() (input.VideoControl, error) {
	if s.g.cam.cfg.Control == nil {
		return nil, input.ErrNotSupported
	}
	return &videoControl{g: s.g}, nil
}

func (s *source) StreamConfig(cat input.PinCategory) (input.StreamConfig, error) {
	if cat == input.PinStill {
		return nil, input.ErrNotSupported
	}
	if err := s.g.fail(FailStreamConfig); err != nil {
		return nil, err
	}
	return &streamConfig{g: s.g}, nil
}

func (s *source) MediaTypes(cat input.PinCategory) ([]input.MediaType, error) {
	if cat == input.PinStill && !s.g.cam.cfg.StillPin {
		return nil, input.ErrNotSupported
	}
	var types []input.MediaType
	for _, c := range s.g.cam.cfg.Caps {
		types = append(types, input.MediaType{
			Format:       c.Format,
			HasVideoInfo: c.HasVideoInfo,
			Width:        c.Width,
			Height:       c.Height,
		})
	}
	return types, nil
}

type streamConfig struct {
	g *graph
}

func (c *streamConfig) Count() (int, error) {
	return len(c.g.cam.cfg.Caps), nil
}

func (c *streamConfig) Caps(i int) (input.StreamCap, error) {
	caps := c.g.cam.cfg.Caps
	if i < 0 || i >= len(caps) {
		return input.StreamCap{}, fmt.Errorf("capability %d out of range", i)
	}
	return caps[i], nil
}

func (c *streamConfig) SetFormat(i int) (input.MediaType, error) {
	if err := c.g.fail(FailSetFormat); err != nil {
		return input.MediaType{}, err
	}
	sc, err := c.Caps(i)
	if err != nil {
		return input.MediaType{}, err
	}
	c.g.format = &sc
	return input.MediaType{
		Format:       sc.Format,
		HasVideoInfo: sc.HasVideoInfo,
		Width:        sc.Width,
		Height:       sc.Height,
	}, nil
}

func (c *streamConfig) Release() {
	c.g.backend.record("release config")
}

type videoControl struct {
	g *graph
}

func (v *videoControl) Caps() (input.ControlFlags, error) {
	return v.g.cam.cfg.Control.Caps, nil
}

func (v *videoControl) Mode() (input.ControlFlags, error) {
	v.g.cam.mu.Lock()
	defer v.g.cam.mu.Unlock()
	if v.g.cam.modeFailures > 0 {
		v.g.cam.modeFailures--
		return 0, errors.New("control mode read failed")
	}
	return v.g.cam.mode, nil
}

func (v *videoControl) SetMode(mode input.ControlFlags) error {
	return v.g.cam.setMode(mode)
}

func (v *videoControl) Release() {
	v.g.backend.record("release control")
}

type sampleSink struct {
	g    *graph
	name string

	mt        input.MediaType
	cat       input.PinCategory
	connected bool

	cbMu sync.RWMutex
	cb   input.SampleCallback
}

func (s *sampleSink) Name() string { return s.name }

func (s *sampleSink) Release() {
	s.g.backend.record("release %s", s.name)
}

func (s *sampleSink) SetMediaType(mt input.MediaType) error {
	s.mt = mt
	return nil
}

func (s *sampleSink) ConnectedMediaType() (input.MediaType, error) {
	if !s.connected {
		return input.MediaType{}, errors.New("not connected")
	}
	mt := s.mt
	if s.cat != input.PinStill {
		mt.Height = -abs(mt.Height)
		if s.g.cam.cfg.BottomUp {
			mt.Height = abs(mt.Height)
		}
	}
	return mt, nil
}

func (s *sampleSink) SetCallback(cb input.SampleCallback) error {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
	return nil
}

func (s *sampleSink) deliver(data []byte) {
	s.cbMu.RLock()
	cb := s.cb
	s.cbMu.RUnlock()
	if cb != nil {
		cb.OnSample(data)
	}
}

func flipRows(frame []byte, stride, height int) []byte {
	out := make([]byte, len(frame))
	for y := 0; y < height && (y+1)*stride <= len(frame); y++ {
		copy(out[(height-1-y)*stride:(height-y)*stride], frame[y*stride:(y+1)*stride])
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
