package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/video-system/go-device-capture/pkg/input"
)

type formatKey struct {
	width, height, rate int
	format              input.PixelFormat
}

func (k formatKey) less(o formatKey) bool {
	if k.width != o.width {
		return k.width < o.width
	}
	if k.height != o.height {
		return k.height < o.height
	}
	if k.rate != o.rate {
		return k.rate < o.rate
	}
	return k.format < o.format
}

// enumerate discovers devices and probes their formats, each through a
// throwaway graph on a dedicated thread.
func enumerate(ctx context.Context, backend input.Backend) ([]Device, error) {
	var devices []Device
	err := onOwnThread(backend, func() error {
		infos, err := backend.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		devices = make([]Device, 0, len(infos))
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				return err
			}

			dev := Device{
				Name:      info.Name,
				Path:      info.Path,
				ModelID:   info.Name,
				VendorID:  info.VendorID,
				ProductID: info.ProductID,
				binding:   info.Binding,
			}
			if dev.VendorID == 0 {
				dev.VendorID = parseUSBID(info.Path, "vid_")
			}
			if dev.ProductID == 0 {
				dev.ProductID = parseUSBID(info.Path, "pid_")
			}

			caps, err := probeFormats(backend, info.Binding)
			if err != nil {
				logger().Warn("format probe failed", "device", info.Name, "error", err)
			}
			dev.Formats = dedupFormats(caps)

			logger().Debug("device enumerated", "device", dev.Name, "path", dev.Path, "formats", len(dev.Formats))
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// probeFormats reads the raw capability list of one device. Everything it
// acquires is released before returning.
func probeFormats(backend input.Backend, binding string) (caps []input.StreamCap, err error) {
	graph, err := backend.NewGraph()
	if err != nil {
		return nil, fmt.Errorf("create graph: %w", err)
	}
	defer graph.Close()

	src, err := graph.AddSource(binding)
	if err != nil {
		return nil, fmt.Errorf("bind source: %w", err)
	}
	defer src.Release()

	cfg, err := src.StreamConfig(input.PinCapture)
	if err != nil {
		cfg, err = src.StreamConfig(input.PinPreview)
	}
	if err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}
	defer cfg.Release()

	count, err := cfg.Count()
	if err != nil {
		return nil, fmt.Errorf("capability count: %w", err)
	}

	var errs []error
	for i := 0; i < count; i++ {
		c, err := cfg.Caps(i)
		if err != nil {
			errs = append(errs, fmt.Errorf("capability %d: %w", i, err))
			continue
		}
		c.Index = i
		caps = append(caps, c)
	}
	return caps, errors.Join(errs...)
}

// frameRate derives the maximum frame rate from 100ns frame intervals
func frameRate(c input.StreamCap) int {
	switch {
	case c.MinFrameInterval > 0:
		return int(10_000_000 / c.MinFrameInterval)
	case c.AvgTimePerFrame > 0:
		return int(10_000_000 / c.AvgTimePerFrame)
	}
	return 0
}

// dimensions returns width and absolute height, or ok=false when the entry
// carries no usable geometry.
func dimensions(hasVideoInfo bool, width, height int) (w, h int, ok bool) {
	if !hasVideoInfo || width <= 0 || height == 0 || height == math.MinInt32 {
		return 0, 0, false
	}
	if height < 0 {
		height = -height
	}
	return width, height, true
}

// dedupFormats keeps the first native index per key and orders by key
func dedupFormats(caps []input.StreamCap) []Format {
	seen := make(map[formatKey]Format)
	for _, c := range caps {
		w, h, ok := dimensions(c.HasVideoInfo, c.Width, c.Height)
		if !ok {
			continue
		}
		key := formatKey{width: w, height: h, rate: frameRate(c), format: c.Format}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = Format{
			Width:       w,
			Height:      h,
			FrameRate:   key.rate,
			PixelFormat: c.Format,
			NativeIndex: c.Index,
		}
	}

	keys := make([]formatKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	formats := make([]Format, 0, len(keys))
	for _, k := range keys {
		formats = append(formats, seen[k])
	}
	return formats
}
