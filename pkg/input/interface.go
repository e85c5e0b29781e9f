package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotSupported is returned by backends for optional capabilities they lack
var ErrNotSupported = errors.New("not supported by backend")

// Backend is the interface for a platform multimedia layer.
//
// Graph objects returned by a backend are thread-affine: every call on a
// graph and on the nodes it hands out must happen on the OS thread that
// created it, between EnterThread and the returned leave func.
type Backend interface {
	// Metadata
	Name() string

	// Thread setup for graph ownership
	EnterThread() (leave func(), err error)

	// Device discovery
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// Graph construction
	NewGraph() (Graph, error)
}

// DeviceInfo is a device as reported by the platform, before format probing
type DeviceInfo struct {
	Name    string
	Path    string
	Binding string // token the backend accepts in Graph.AddSource

	// Optional vendor/product IDs when the platform reports them directly
	VendorID  int
	ProductID int
}

// PinCategory selects a source output
type PinCategory int

const (
	PinCapture PinCategory = iota
	PinPreview
	PinStill
)

func (c PinCategory) String() string {
	switch c {
	case PinCapture:
		return "capture"
	case PinPreview:
		return "preview"
	case PinStill:
		return "still"
	}
	return fmt.Sprintf("pin(%d)", int(c))
}

// MediaKind restricts RenderStream to a major media type
type MediaKind int

const (
	MediaAny MediaKind = iota
	MediaVideo
)

// Graph is a platform capture pipeline under construction
type Graph interface {
	AddSource(binding string) (Source, error)
	AddSampleSink(name string) (SampleSink, error)
	AddNullRenderer(name string) (Node, error)

	// RenderStream connects the source output of the given category through
	// sink into terminal, inserting conversion nodes as needed.
	RenderStream(cat PinCategory, kind MediaKind, src Source, sink SampleSink, terminal Node) error
	// ConnectDirect connects without intermediate nodes.
	ConnectDirect(src Source, cat PinCategory, sink SampleSink, terminal Node) error
	Remove(n Node) error

	// Control
	Run() error
	Stop() error
	DrainEvents() int

	Close() error
}

// Node is a single graph element
type Node interface {
	Name() string
	Release()
}

// Source is a capture device bound into a graph
type Source interface {
	Node
	VideoControl() (VideoControl, error)
	StreamConfig(cat PinCategory) (StreamConfig, error)
	MediaTypes(cat PinCategory) ([]MediaType, error)
}

// StreamConfig exposes native stream capabilities of a source output
type StreamConfig interface {
	Count() (int, error)
	Caps(i int) (StreamCap, error)
	SetFormat(i int) (MediaType, error)
	Release()
}

// SampleSink delivers each sample to a registered callback
type SampleSink interface {
	Node
	SetMediaType(mt MediaType) error
	ConnectedMediaType() (MediaType, error)
	// SetCallback registers cb; nil unregisters.
	SetCallback(cb SampleCallback) error
}

// SampleCallback receives sample data on a backend-owned goroutine.
// The slice is only valid for the duration of the call.
type SampleCallback interface {
	OnSample(data []byte)
}

// VideoControl exposes device mode flags
type VideoControl interface {
	Caps() (ControlFlags, error)
	Mode() (ControlFlags, error)
	SetMode(mode ControlFlags) error
	Release()
}

// ControlFlags are video control mode bits
type ControlFlags uint32

const (
	FlagFlipHorizontal        ControlFlags = 0x1
	FlagFlipVertical          ControlFlags = 0x2
	FlagExternalTriggerEnable ControlFlags = 0x4
	FlagTrigger               ControlFlags = 0x8
)

// StreamCap is one native capability entry
type StreamCap struct {
	Index  int
	Format PixelFormat

	// Video info; Height is signed, positive means bottom-up rows
	HasVideoInfo bool
	Width        int
	Height       int

	MinFrameInterval int64 // 100ns units
	AvgTimePerFrame  int64 // 100ns units
}

// MediaType describes a connection format
type MediaType struct {
	Format       PixelFormat
	HasVideoInfo bool
	Width        int
	Height       int
	BitCount     int
	SampleSize   int
}

// PixelFormat represents a native pixel format
type PixelFormat string

const (
	FormatRGB24  PixelFormat = "RGB24"
	FormatRGB32  PixelFormat = "RGB32"
	FormatARGB32 PixelFormat = "ARGB32"
	FormatNV12   PixelFormat = "NV12"
	FormatI420   PixelFormat = "I420"
	FormatYV12   PixelFormat = "YV12"
	FormatYUY2   PixelFormat = "YUY2"
	FormatUYVY   PixelFormat = "UYVY"
	FormatMJPG   PixelFormat = "MJPG"
	FormatH264   PixelFormat = "H264"
)

// Priority ranks formats for automatic selection, higher is preferred
func (f PixelFormat) Priority() int {
	switch f {
	case FormatRGB24, FormatRGB32, FormatARGB32:
		return 4
	case FormatNV12, FormatI420, FormatYV12:
		return 3
	case FormatYUY2, FormatUYVY:
		return 2
	case FormatMJPG, FormatH264:
		return 1
	}
	return 0
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() (Backend, error))
)

// Register registers a backend factory
func Register(name string, factory func() (Backend, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get returns a backend by name
func Get(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	return factory()
}

// Names returns registered backend names in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
