// Package devmon wraps the gst-device-monitor-1.0 tool and parses its
// listing into video source descriptions.
package devmon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/video-system/go-device-capture/pkg/input"
)

const binaryName = "gst-device-monitor-1.0"

// Monitor runs the device monitor binary
type Monitor struct {
	binaryPath string
}

// New locates the device monitor binary
func New() (*Monitor, error) {
	path, err := findBinary(binaryName)
	if err != nil {
		return nil, fmt.Errorf("device monitor not found: %w", err)
	}
	return &Monitor{binaryPath: path}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
			"/Library/Frameworks/GStreamer.framework/Commands/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\gstreamer\\1.0\\msvc_x86_64\\bin\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Path returns the resolved binary path
func (m *Monitor) Path() string {
	return m.binaryPath
}

// List runs a one-shot probe for video sources
func (m *Monitor) List(ctx context.Context) ([]Device, error) {
	cmd := exec.CommandContext(ctx, m.binaryPath, "Video/Source")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", binaryName, err, strings.TrimSpace(stderr.String()))
	}
	return Parse(bytes.NewReader(out))
}

// Device is one entry of the monitor listing
type Device struct {
	Name      string
	Class     string
	Path      string
	VendorID  int
	ProductID int

	// Launch is the source element with its properties, e.g.
	// "v4l2src device=/dev/video0"
	Launch string
	Caps   []Cap
}

// Cap is one concrete capture format
type Cap struct {
	Format      input.PixelFormat
	Width       int
	Height      int
	MinInterval int64 // 100ns units at the highest advertised rate
	GstFormat   string // raw video format name as advertised, empty when compressed
	Raw         string
}

// Filter renders the caps string that selects exactly this capability
func (c Cap) Filter() string {
	if c.GstFormat != "" {
		return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", c.GstFormat, c.Width, c.Height)
	}
	return GstCaps(c.Format, c.Width, c.Height)
}

var (
	widthRegexp    = regexp.MustCompile(`width=(?:\(int\))?([0-9]+)(?:[^0-9]|$)`)
	heightRegexp   = regexp.MustCompile(`height=(?:\(int\))?([0-9]+)(?:[^0-9]|$)`)
	formatRegexp   = regexp.MustCompile(`format=(?:\(string\))?([A-Za-z0-9_]+)`)
	fractionRegexp = regexp.MustCompile(`([0-9]+)/([0-9]+)`)
)

// Parse reads monitor output. Only Video/Source devices are returned and
// caps that do not map to a known pixel format are skipped.
func Parse(r io.Reader) ([]Device, error) {
	var (
		devices []Device
		d       *Device
		inCaps  bool
	)
	flush := func() {
		if d != nil && d.Class == "Video/Source" {
			if d.Launch == "" && d.Path != "" {
				d.Launch = "v4l2src device=" + d.Path
			}
			devices = append(devices, *d)
		}
		d = nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "Device found:" {
			flush()
			d = &Device{}
			inCaps = false
			continue
		}
		if d == nil || s == "" {
			continue
		}

		switch {
		case strings.HasPrefix(s, "name  :"):
			d.Name = value(s, ":")
			inCaps = false
		case strings.HasPrefix(s, "class :"):
			d.Class = value(s, ":")
			inCaps = false
		case strings.HasPrefix(s, "caps  :"):
			inCaps = true
			d.addCap(value(s, ":"))
		case strings.HasPrefix(s, "properties:"):
			inCaps = false
		case strings.HasPrefix(s, "gst-launch-1.0 "):
			inCaps = false
			launch := strings.TrimPrefix(s, "gst-launch-1.0 ")
			if i := strings.Index(launch, " !"); i >= 0 {
				launch = launch[:i]
			}
			d.Launch = strings.TrimSpace(launch)
		case inCaps:
			d.addCap(s)
		case strings.HasPrefix(s, "device.path ="):
			d.Path = value(s, "=")
		case strings.HasPrefix(s, "device.vendor.id ="):
			d.VendorID = hexID(value(s, "="))
		case strings.HasPrefix(s, "device.product.id ="):
			d.ProductID = hexID(value(s, "="))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read monitor output: %w", err)
	}
	flush()

	for i := range devices {
		sort.SliceStable(devices[i].Caps, func(a, b int) bool {
			ca, cb := devices[i].Caps[a], devices[i].Caps[b]
			if ca.Width*ca.Height != cb.Width*cb.Height {
				return ca.Width*ca.Height > cb.Width*cb.Height
			}
			return ca.Format.Priority() > cb.Format.Priority()
		})
	}
	return devices, nil
}

func value(s, sep string) string {
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hexID(s string) int {
	s = strings.TrimPrefix(strings.ToLower(strings.Trim(s, `"`)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return int(v)
}

func (d *Device) addCap(raw string) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ";")
	if raw == "" {
		return
	}
	c, ok := parseCap(raw)
	if !ok {
		return
	}
	d.Caps = append(d.Caps, c)
}

func parseCap(raw string) (Cap, bool) {
	media, rest, _ := strings.Cut(raw, ",")
	var (
		format    input.PixelFormat
		gstFormat string
	)
	switch strings.TrimSpace(media) {
	case "image/jpeg":
		format = input.FormatMJPG
	case "video/x-h264":
		format = input.FormatH264
	case "video/x-raw":
		m := formatRegexp.FindStringSubmatch(rest)
		if m == nil {
			return Cap{}, false
		}
		f, ok := FormatFromGst(m[1])
		if !ok {
			return Cap{}, false
		}
		format, gstFormat = f, m[1]
	default:
		return Cap{}, false
	}

	mw := widthRegexp.FindStringSubmatch(rest)
	mh := heightRegexp.FindStringSubmatch(rest)
	if mw == nil || mh == nil {
		return Cap{}, false
	}
	w, werr := strconv.Atoi(mw[1])
	h, herr := strconv.Atoi(mh[1])
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return Cap{}, false
	}

	return Cap{
		Format:      format,
		Width:       w,
		Height:      h,
		MinInterval: minInterval(rest),
		GstFormat:   gstFormat,
		Raw:         raw,
	}, true
}

// minInterval returns the frame interval of the fastest advertised rate
func minInterval(caps string) int64 {
	i := strings.Index(caps, "framerate=")
	if i < 0 {
		return 0
	}
	rest := strings.TrimPrefix(caps[i+len("framerate="):], "(fraction)")
	rest = strings.TrimSpace(rest)
	switch {
	case strings.HasPrefix(rest, "{"):
		rest, _, _ = strings.Cut(rest, "}")
	case strings.HasPrefix(rest, "["):
		rest, _, _ = strings.Cut(rest, "]")
	default:
		rest, _, _ = strings.Cut(rest, ",")
	}

	var best int64
	for _, m := range fractionRegexp.FindAllStringSubmatch(rest, -1) {
		num, _ := strconv.ParseInt(m[1], 10, 64)
		den, _ := strconv.ParseInt(m[2], 10, 64)
		if num <= 0 || den <= 0 {
			continue
		}
		interval := 10_000_000 * den / num
		if best == 0 || interval < best {
			best = interval
		}
	}
	return best
}

// FormatFromGst maps a GStreamer raw video format name
func FormatFromGst(name string) (input.PixelFormat, bool) {
	switch name {
	case "YUY2", "UYVY", "NV12", "I420", "YV12":
		return input.PixelFormat(name), true
	case "RGB", "BGR":
		return input.FormatRGB24, true
	case "BGRx", "RGBx", "xRGB", "xBGR":
		return input.FormatRGB32, true
	case "BGRA", "RGBA", "ARGB", "ABGR":
		return input.FormatARGB32, true
	}
	return "", false
}

// GstCaps renders the caps string that selects format f at the given size
func GstCaps(f input.PixelFormat, width, height int) string {
	switch f {
	case input.FormatMJPG:
		return fmt.Sprintf("image/jpeg,width=%d,height=%d", width, height)
	case input.FormatH264:
		return fmt.Sprintf("video/x-h264,width=%d,height=%d", width, height)
	case input.FormatRGB24:
		return fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", width, height)
	case input.FormatRGB32:
		return fmt.Sprintf("video/x-raw,format=BGRx,width=%d,height=%d", width, height)
	case input.FormatARGB32:
		return fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d", width, height)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", f, width, height)
}
