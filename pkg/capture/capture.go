package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/video-system/go-device-capture/pkg/input"
)

// Device is an enumerated capture device
type Device struct {
	Name      string   `json:"name"`
	Path      string   `json:"unique_id"`
	ModelID   string   `json:"model_id"`
	VendorID  int      `json:"vid"`
	ProductID int      `json:"pid"`
	Formats   []Format `json:"formats"`

	binding string
}

// Format is a deduplicated native format of a device
type Format struct {
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	FrameRate   int               `json:"frame_rate"`
	PixelFormat input.PixelFormat `json:"type"`
	NativeIndex int               `json:"-"`
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%d %s", f.Width, f.Height, f.FrameRate, f.PixelFormat)
}

func (d Device) clone() Device {
	d.Formats = append([]Format(nil), d.Formats...)
	return d
}

// SessionState is the lifecycle state of a capture session worker
type SessionState int32

const (
	StateBuilding SessionState = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// TriggerStrategy is how a session detects button presses
type TriggerStrategy int32

const (
	TriggerNone TriggerStrategy = iota
	TriggerPolling
	TriggerFallback
)

func (t TriggerStrategy) String() string {
	switch t {
	case TriggerPolling:
		return "polling"
	case TriggerFallback:
		return "still-pin"
	}
	return "none"
}

// SessionStatus represents the status of an active capture session
type SessionStatus struct {
	DeviceIndex    int    `json:"device_index"`
	SessionID      string `json:"session_id"`
	Device         string `json:"device"`
	State          string `json:"state"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format"`
	Trigger        string `json:"trigger"`
	HasFrame       bool   `json:"has_frame"`
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
}

// parseUSBID extracts a 4-digit hex value following key (e.g. "vid_") from
// a device path, case-insensitively. Returns 0 when absent or malformed.
func parseUSBID(path, key string) int {
	lower := strings.ToLower(path)
	pos := strings.Index(lower, key)
	if pos < 0 || pos+len(key)+4 > len(lower) {
		return 0
	}
	v, err := strconv.ParseUint(lower[pos+len(key):pos+len(key)+4], 16, 16)
	if err != nil {
		return 0
	}
	return int(v)
}
