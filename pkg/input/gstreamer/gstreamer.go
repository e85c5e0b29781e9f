// Package gstreamer is a capture backend built on GStreamer. Devices are
// discovered with gst-device-monitor-1.0; graphs are GStreamer pipelines
// ending in an appsink. Pipelines require building with -tags gstreamer.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/video-system/go-device-capture/internal/devmon"
	"github.com/video-system/go-device-capture/pkg/input"
)

var errNotAvailable = errors.New("GStreamer not available - build with -tags gstreamer")

func init() {
	input.Register("gstreamer", func() (input.Backend, error) {
		return New()
	})
}

// Backend discovers devices and builds pipelines
type Backend struct {
	mon *devmon.Monitor

	mu      sync.Mutex
	devices map[string]devmon.Device // by binding
}

// New initializes GStreamer and locates the device monitor
func New() (*Backend, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}
	mon, err := devmon.New()
	if err != nil {
		return nil, err
	}
	return &Backend{mon: mon, devices: make(map[string]devmon.Device)}, nil
}

func (b *Backend) Name() string {
	return "gstreamer"
}

// EnterThread needs no per-thread setup; GStreamer streams on its own threads
func (b *Backend) EnterThread() (func(), error) {
	return func() {}, nil
}

// ListDevices runs the device monitor and caches each device's caps for
// later graph construction
func (b *Backend) ListDevices(ctx context.Context) ([]input.DeviceInfo, error) {
	devices, err := b.mon.List(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = make(map[string]devmon.Device, len(devices))

	infos := make([]input.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		b.devices[d.Launch] = d
		path := d.Path
		if path == "" {
			path = d.Launch
		}
		infos = append(infos, input.DeviceInfo{
			Name:      d.Name,
			Path:      path,
			Binding:   d.Launch,
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
		})
	}
	return infos, nil
}

// NewGraph creates an empty pipeline
func (b *Backend) NewGraph() (input.Graph, error) {
	return newGraph(b)
}

func (b *Backend) lookup(binding string) (devmon.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[binding]
	if !ok {
		return devmon.Device{}, fmt.Errorf("unknown device %q", binding)
	}
	return d, nil
}

// streamCaps converts monitor caps into capability entries
func streamCaps(d devmon.Device) []input.StreamCap {
	caps := make([]input.StreamCap, 0, len(d.Caps))
	for i, c := range d.Caps {
		caps = append(caps, input.StreamCap{
			Index:            i,
			Format:           c.Format,
			HasVideoInfo:     true,
			Width:            c.Width,
			Height:           c.Height,
			MinFrameInterval: c.MinInterval,
			AvgTimePerFrame:  c.MinInterval,
		})
	}
	return caps
}
