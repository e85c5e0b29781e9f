// Package synthetic is an in-process capture backend producing generated
// frames. Cameras are programmable: formats, row orientation, hardware
// trigger behavior and failure points can all be configured, which makes
// the backend suitable for tests and demos without hardware.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
)

func init() {
	input.Register("synthetic", func() (input.Backend, error) {
		return New(DefaultCamera()), nil
	})
}

// Stage names a point where a camera can be told to fail
type Stage int

const (
	FailNone Stage = iota
	FailBind
	FailStreamConfig
	FailSetFormat
	FailSink
	FailRender
	FailRun
	FailStill
)

// Camera describes one synthetic device
type Camera struct {
	Name      string
	Path      string
	VendorID  int
	ProductID int
	Caps      []input.StreamCap

	// BottomUp makes the connected RGB type report bottom-up rows; frames
	// are then delivered last row first.
	BottomUp bool

	// FrameInterval enables generated frames while running
	FrameInterval time.Duration
	// ButtonEvery presses the button periodically while running
	ButtonEvery time.Duration

	Control  *Control // nil: no video control
	StillPin bool
	Fail     Stage
}

// Control configures the video control of a camera
type Control struct {
	Caps input.ControlFlags
	Mode input.ControlFlags
	// Latched rejects any mode change that clears a set trigger bit
	Latched bool
	// ModeFailures fails this many control mode reads before succeeding
	ModeFailures int
}

// DefaultCamera returns a 640x480 YUY2/MJPG camera with a pollable trigger
func DefaultCamera() Camera {
	return Camera{
		Name:          "Synthetic Camera",
		Path:          `\\?\usb#vid_1d6b&pid_0102&mi_00#synthetic#0`,
		Caps:          Caps(input.FormatYUY2, 640, 480, 30),
		FrameInterval: time.Second / 30,
		Control: &Control{
			Caps: input.FlagTrigger | input.FlagExternalTriggerEnable,
		},
		StillPin: true,
	}
}

// Caps builds capability entries for one format and geometry
func Caps(format input.PixelFormat, width, height, fps int) []input.StreamCap {
	interval := int64(0)
	if fps > 0 {
		interval = 10_000_000 / int64(fps)
	}
	return []input.StreamCap{{
		Format:           format,
		HasVideoInfo:     true,
		Width:            width,
		Height:           height,
		MinFrameInterval: interval,
		AvgTimePerFrame:  interval,
	}}
}

type camera struct {
	cfg Camera

	mu     sync.Mutex
	mode         input.ControlFlags
	modeFailures int
	graphs       map[*graph]struct{}
}

// Backend is the synthetic platform layer
type Backend struct {
	mu      sync.Mutex
	cameras []*camera
	listErr error

	openGraphs atomic.Int32
	traceMu    sync.Mutex
	trace      []string
}

// New creates a backend with the given cameras
func New(cams ...Camera) *Backend {
	b := &Backend{}
	for _, c := range cams {
		b.AddCamera(c)
	}
	return b
}

func (b *Backend) Name() string {
	return "synthetic"
}

// EnterThread needs no per-thread setup
func (b *Backend) EnterThread() (func(), error) {
	return func() {}, nil
}

// ListDevices returns the present cameras
func (b *Backend) ListDevices(ctx context.Context) ([]input.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listErr != nil {
		return nil, b.listErr
	}
	infos := make([]input.DeviceInfo, 0, len(b.cameras))
	for _, c := range b.cameras {
		infos = append(infos, input.DeviceInfo{
			Name:      c.cfg.Name,
			Path:      c.cfg.Path,
			Binding:   c.cfg.Path,
			VendorID:  c.cfg.VendorID,
			ProductID: c.cfg.ProductID,
		})
	}
	return infos, nil
}

// NewGraph creates an empty graph
func (b *Backend) NewGraph() (input.Graph, error) {
	b.openGraphs.Add(1)
	b.record("new graph")
	return &graph{backend: b}, nil
}

// SetListError makes device discovery fail until cleared with nil
func (b *Backend) SetListError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// AddCamera plugs in a camera
func (b *Backend) AddCamera(c Camera) {
	cam := &camera{cfg: c, graphs: make(map[*graph]struct{})}
	if c.Control != nil {
		cam.mode = c.Control.Mode
		cam.modeFailures = c.Control.ModeFailures
	}
	b.mu.Lock()
	b.cameras = append(b.cameras, cam)
	b.mu.Unlock()
}

// RemoveCamera unplugs a camera. Running graphs keep their binding.
func (b *Backend) RemoveCamera(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.cameras {
		if c.cfg.Path == path {
			b.cameras = append(b.cameras[:i], b.cameras[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Backend) camera(path string) (*camera, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cameras {
		if c.cfg.Path == path {
			return c, nil
		}
	}
	return nil, fmt.Errorf("device %q not present", path)
}

// OpenGraphs returns the number of graphs not yet closed
func (b *Backend) OpenGraphs() int {
	return int(b.openGraphs.Load())
}

// Trace returns the recorded graph operations in order
func (b *Backend) Trace() []string {
	b.traceMu.Lock()
	defer b.traceMu.Unlock()
	return append([]string(nil), b.trace...)
}

func (b *Backend) record(format string, args ...any) {
	b.traceMu.Lock()
	b.trace = append(b.trace, fmt.Sprintf(format, args...))
	b.traceMu.Unlock()
}

// PushFrame delivers a top-down BGRX frame to every running frame sink of
// the camera. Rows are reversed first when the camera is bottom-up.
func (b *Backend) PushFrame(path string, frame []byte) error {
	cam, err := b.camera(path)
	if err != nil {
		return err
	}
	for _, g := range cam.running() {
		g.deliverFrame(frame)
	}
	return nil
}

// PushRaw delivers data unchanged to every running frame sink of the camera
func (b *Backend) PushRaw(path string, data []byte) error {
	cam, err := b.camera(path)
	if err != nil {
		return err
	}
	for _, g := range cam.running() {
		g.deliver(g.frameSinks(), data)
	}
	return nil
}

// PressButton sets the trigger mode bit when the camera supports it and
// emits a sample on every running still pin.
func (b *Backend) PressButton(path string) error {
	cam, err := b.camera(path)
	if err != nil {
		return err
	}
	cam.press()
	return nil
}

// ClearTrigger clears the trigger bit as the device firmware would
func (b *Backend) ClearTrigger(path string) error {
	cam, err := b.camera(path)
	if err != nil {
		return err
	}
	cam.mu.Lock()
	cam.mode &^= input.FlagTrigger
	cam.mu.Unlock()
	return nil
}

// Mode returns the camera's current control mode
func (b *Backend) Mode(path string) (input.ControlFlags, error) {
	cam, err := b.camera(path)
	if err != nil {
		return 0, err
	}
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return cam.mode, nil
}

func (c *camera) press() {
	c.mu.Lock()
	if c.cfg.Control != nil && c.cfg.Control.Caps&input.FlagTrigger != 0 {
		c.mode |= input.FlagTrigger
	}
	c.mu.Unlock()

	for _, g := range c.running() {
		g.deliver(g.stillSinks(), []byte{1})
	}
}

func (c *camera) running() []*graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	graphs := make([]*graph, 0, len(c.graphs))
	for g := range c.graphs {
		graphs = append(graphs, g)
	}
	return graphs
}

func (c *camera) setMode(mode input.ControlFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Control.Latched && c.mode&input.FlagTrigger != 0 && mode&input.FlagTrigger == 0 {
		return errors.New("trigger bit is latched")
	}
	c.mode = mode
	return nil
}

// Pattern renders a top-down BGRX test frame: vertical color bars with a
// white line that moves one row per frame.
func Pattern(width, height int, seq uint64) []byte {
	bars := [][3]byte{
		{0xff, 0xff, 0xff}, {0x00, 0xff, 0xff}, {0xff, 0xff, 0x00}, {0x00, 0xff, 0x00},
		{0xff, 0x00, 0xff}, {0x00, 0x00, 0xff}, {0xff, 0x00, 0x00}, {0x00, 0x00, 0x00},
	}
	frame := make([]byte, width*height*4)
	line := 0
	if height > 0 {
		line = int(seq % uint64(height))
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := frame[(y*width+x)*4:]
			if y == line {
				px[0], px[1], px[2] = 0xff, 0xff, 0xff
			} else {
				c := bars[x*len(bars)/width]
				px[0], px[1], px[2] = c[0], c[1], c[2]
			}
		}
	}
	return frame
}
