//go:build gstreamer

package gstreamer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/video-system/go-device-capture/internal/devmon"
	"github.com/video-system/go-device-capture/pkg/input"
)

var initOnce sync.Once

func initRuntime() error {
	initOnce.Do(func() {
		gst.Init(nil)
	})
	return nil
}

// graph is a pipeline: source ! capsfilter [! decoder] ! videoconvert !
// capsfilter(BGRx) ! appsink
type graph struct {
	b        *Backend
	pipeline *gst.Pipeline

	mu     sync.Mutex
	src    *source
	sinks  []*sampleSink
	closed bool
}

func newGraph(b *Backend) (input.Graph, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &graph{b: b, pipeline: pipeline}, nil
}

func (g *graph) AddSource(binding string) (input.Source, error) {
	dev, err := g.b.lookup(binding)
	if err != nil {
		return nil, err
	}
	// parse-launch converts each property value to its declared type
	bin, err := gst.NewBinFromString(binding, true)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", binding, err)
	}
	if err := g.pipeline.Add(bin.Element); err != nil {
		return nil, fmt.Errorf("add %q: %w", binding, err)
	}

	s := &source{g: g, el: bin.Element, dev: dev, caps: streamCaps(dev)}
	g.mu.Lock()
	g.src = s
	g.mu.Unlock()
	return s, nil
}

func (g *graph) AddSampleSink(name string) (input.SampleSink, error) {
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	if err := sink.SetProperty("sync", false); err != nil {
		return nil, fmt.Errorf("set appsink sync: %w", err)
	}
	sink.SetMaxBuffers(1)
	sink.SetDrop(true)

	s := &sampleSink{g: g, name: name, convert: convert, filter: filter, sink: sink}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	g.mu.Lock()
	g.sinks = append(g.sinks, s)
	g.mu.Unlock()
	return s, nil
}

// AddNullRenderer returns a placeholder; appsink terminates the branch
func (g *graph) AddNullRenderer(name string) (input.Node, error) {
	return node(name), nil
}

func (g *graph) RenderStream(cat input.PinCategory, kind input.MediaKind, src input.Source, sink input.SampleSink, terminal input.Node) error {
	if cat != input.PinCapture {
		return input.ErrNotSupported
	}
	s, ok := src.(*source)
	if !ok {
		return errors.New("foreign source")
	}
	ss, ok := sink.(*sampleSink)
	if !ok {
		return errors.New("foreign sink")
	}
	if s.format == nil {
		return errors.New("no format set on source")
	}
	if ss.mt.Format != input.FormatRGB32 {
		return fmt.Errorf("no converter to %s", ss.mt.Format)
	}

	w, h := ss.mt.Width, abs(ss.mt.Height)
	if err := ss.filter.SetProperty("caps", gst.NewCapsFromString(devmon.GstCaps(input.FormatRGB32, w, h))); err != nil {
		return fmt.Errorf("set sink caps: %w", err)
	}

	tail := []*gst.Element{ss.convert, ss.filter, ss.sink.Element}
	if err := g.pipeline.AddMany(tail...); err != nil {
		return fmt.Errorf("add sink %s: %w", ss.name, err)
	}
	chain := append(append([]*gst.Element{}, s.chain...), tail...)
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("link %s: %w", ss.name, err)
	}

	ss.mu.Lock()
	ss.connected = true
	ss.mu.Unlock()
	return nil
}

// ConnectDirect only serves still pins, which v4l2 sources lack
func (g *graph) ConnectDirect(src input.Source, cat input.PinCategory, sink input.SampleSink, terminal input.Node) error {
	return input.ErrNotSupported
}

func (g *graph) Remove(n input.Node) error {
	ss, ok := n.(*sampleSink)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.sinks {
		if x == ss {
			g.sinks = append(g.sinks[:i], g.sinks[i+1:]...)
			break
		}
	}
	ss.mu.Lock()
	connected := ss.connected
	ss.connected = false
	ss.mu.Unlock()
	if !connected {
		return nil
	}
	for _, el := range []*gst.Element{ss.convert, ss.filter, ss.sink.Element} {
		if err := g.pipeline.Remove(el); err != nil {
			return err
		}
	}
	return nil
}

func (g *graph) Run() error {
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

func (g *graph) Stop() error {
	return g.pipeline.SetState(gst.StateNull)
}

// DrainEvents pops every pending bus message without blocking
func (g *graph) DrainEvents() int {
	bus := g.pipeline.GetPipelineBus()
	n := 0
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return n
		}
		n++
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			slog.Debug("gstreamer: pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
		}
	}
}

func (g *graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.sinks = nil
	g.src = nil
	g.mu.Unlock()
	return g.pipeline.SetState(gst.StateNull)
}

type node string

func (n node) Name() string { return string(n) }
func (n node) Release()     {}

type source struct {
	g      *graph
	el     *gst.Element
	dev    devmon.Device
	caps   []input.StreamCap
	format *input.StreamCap
	chain  []*gst.Element // source through decoder
}

func (s *source) Name() string { return "source" }
func (s *source) Release()     {}

func (s *source) VideoControl() (input.VideoControl, error) {
	return nil, input.ErrNotSupported
}

func (s *source) StreamConfig(cat input.PinCategory) (input.StreamConfig, error) {
	if cat != input.PinCapture {
		return nil, input.ErrNotSupported
	}
	return &streamConfig{s: s}, nil
}

func (s *source) MediaTypes(cat input.PinCategory) ([]input.MediaType, error) {
	return nil, input.ErrNotSupported
}

type streamConfig struct {
	s *source
}

func (c *streamConfig) Count() (int, error) {
	return len(c.s.caps), nil
}

func (c *streamConfig) Caps(i int) (input.StreamCap, error) {
	if i < 0 || i >= len(c.s.caps) {
		return input.StreamCap{}, fmt.Errorf("capability %d out of range", i)
	}
	return c.s.caps[i], nil
}

// SetFormat pins the source caps and adds the decoder the format needs
func (c *streamConfig) SetFormat(i int) (input.MediaType, error) {
	sc, err := c.Caps(i)
	if err != nil {
		return input.MediaType{}, err
	}
	if c.s.format != nil {
		return input.MediaType{}, errors.New("format already set")
	}

	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return input.MediaType{}, fmt.Errorf("create capsfilter: %w", err)
	}
	if err := filter.SetProperty("caps", gst.NewCapsFromString(c.s.dev.Caps[i].Filter())); err != nil {
		return input.MediaType{}, fmt.Errorf("set source caps: %w", err)
	}

	chain := []*gst.Element{c.s.el, filter}
	var decoders []string
	switch sc.Format {
	case input.FormatMJPG:
		decoders = []string{"jpegdec"}
	case input.FormatH264:
		decoders = []string{"h264parse", "avdec_h264"}
	}
	for _, name := range decoders {
		el, err := gst.NewElement(name)
		if err != nil {
			return input.MediaType{}, fmt.Errorf("create %s: %w", name, err)
		}
		chain = append(chain, el)
	}
	if err := c.s.g.pipeline.AddMany(chain[1:]...); err != nil {
		return input.MediaType{}, fmt.Errorf("add source chain: %w", err)
	}

	c.s.chain = chain
	c.s.format = &sc
	return input.MediaType{
		Format:       sc.Format,
		HasVideoInfo: true,
		Width:        sc.Width,
		Height:       sc.Height,
	}, nil
}

func (c *streamConfig) Release() {}

type sampleSink struct {
	g       *graph
	name    string
	convert *gst.Element
	filter  *gst.Element
	sink    *app.Sink

	mu        sync.Mutex
	mt        input.MediaType
	cb        input.SampleCallback
	connected bool
}

func (s *sampleSink) Name() string { return s.name }
func (s *sampleSink) Release()     {}

func (s *sampleSink) SetMediaType(mt input.MediaType) error {
	s.mu.Lock()
	s.mt = mt
	s.mu.Unlock()
	return nil
}

// ConnectedMediaType reports top-down rows: videoconvert emits BGRx with
// the first row first
func (s *sampleSink) ConnectedMediaType() (input.MediaType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return input.MediaType{}, errors.New("sink not connected")
	}
	w, h := s.mt.Width, abs(s.mt.Height)
	return input.MediaType{
		Format:       input.FormatRGB32,
		HasVideoInfo: true,
		Width:        w,
		Height:       -h,
		BitCount:     32,
		SampleSize:   w * h * 4,
	}, nil
}

func (s *sampleSink) SetCallback(cb input.SampleCallback) error {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	return nil
}

func (s *sampleSink) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) > 0 {
		cb.OnSample(data)
	}
	buffer.Unmap()
	return gst.FlowOK
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
