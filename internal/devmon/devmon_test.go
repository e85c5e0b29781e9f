package devmon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
)

const listing = `Probing devices...


Device found:

	name  : HD Pro Webcam C920
	class : Video/Source
	caps  : video/x-raw, format=YUY2, width=640, height=480, pixel-aspect-ratio=1/1, framerate={ (fraction)30/1, (fraction)24/1, (fraction)15/1 };
	        video/x-raw, format=YUY2, width=1920, height=1080, pixel-aspect-ratio=1/1, framerate=5/1;
	        image/jpeg, width=1920, height=1080, pixel-aspect-ratio=1/1, framerate={ (fraction)30/1, (fraction)15/1 };
	        video/x-h264, stream-format=byte-stream, alignment=au, width=1920, height=1080, framerate=30/1;
	        video/x-raw, format=GRAY8, width=640, height=480, framerate=30/1;
	properties:
		udev-probed = true
		device.bus_path = pci-0000:00:14.0-usb-0:1:1.0
		device.path = /dev/video0
		device.vendor.id = 046d
		device.product.id = 082d
		device.capabilities = :capture:
	gst-launch-1.0 v4l2src device=/dev/video0 ! ...


Device found:

	name  : Built-in Audio
	class : Audio/Source
	caps  : audio/x-raw, format=S16LE, layout=interleaved, rate=48000, channels=2;
	properties:
		device.path = hw:0


Device found:

	name  : Virtual Camera
	class : Video/Source
	caps  : video/x-raw, format=(string)BGRx, width=(int)320, height=(int)240, framerate=(fraction)[ 1/1, 60/1 ];
	properties:
		device.path = /dev/video4
`

func TestParse(t *testing.T) {
	devices, err := Parse(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 video sources", len(devices))
	}

	d := devices[0]
	if d.Name != "HD Pro Webcam C920" || d.Path != "/dev/video0" {
		t.Errorf("device = %q %q", d.Name, d.Path)
	}
	if d.VendorID != 0x046d || d.ProductID != 0x082d {
		t.Errorf("ids = %04x:%04x", d.VendorID, d.ProductID)
	}
	if d.Launch != "v4l2src device=/dev/video0" {
		t.Errorf("Launch = %q", d.Launch)
	}
	// GRAY8 has no pixel format mapping
	if len(d.Caps) != 4 {
		t.Fatalf("got %d caps: %+v", len(d.Caps), d.Caps)
	}
	// Largest first, raw ahead of compressed at equal size
	if c := d.Caps[0]; c.Format != input.FormatYUY2 || c.Width != 1920 || c.MinInterval != 2_000_000 {
		t.Errorf("caps[0] = %+v", c)
	}
	if c := d.Caps[3]; c.Format != input.FormatYUY2 || c.Width != 640 || c.MinInterval != 333_333 {
		t.Errorf("caps[3] = %+v", c)
	}

	v := devices[1]
	if v.Launch != "v4l2src device=/dev/video4" {
		t.Errorf("fallback Launch = %q", v.Launch)
	}
	if len(v.Caps) != 1 || v.Caps[0].Format != input.FormatRGB32 || v.Caps[0].MinInterval != 166_666 {
		t.Errorf("typed caps = %+v", v.Caps)
	}
}

func TestMinInterval(t *testing.T) {
	tests := []struct {
		caps string
		want int64
	}{
		{"width=1, framerate=30/1", 333_333},
		{"framerate=(fraction)30000/1001, width=1", 333_666},
		{"pixel-aspect-ratio=1/1, framerate={ (fraction)15/1, (fraction)60/1 }", 166_666},
		{"framerate=0/1", 0},
		{"width=640", 0},
	}
	for _, tt := range tests {
		if got := minInterval(tt.caps); got != tt.want {
			t.Errorf("minInterval(%q) = %d, want %d", tt.caps, got, tt.want)
		}
	}
}

func TestGstCaps(t *testing.T) {
	tests := []struct {
		format input.PixelFormat
		want   string
	}{
		{input.FormatMJPG, "image/jpeg,width=640,height=480"},
		{input.FormatYUY2, "video/x-raw,format=YUY2,width=640,height=480"},
		{input.FormatRGB24, "video/x-raw,format=BGR,width=640,height=480"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if got := GstCaps(tt.format, 640, 480); got != tt.want {
				t.Errorf("GstCaps = %q, want %q", got, tt.want)
			}
			if f, ok := FormatFromGst(strings.TrimPrefix(strings.Split(tt.want, ",")[1], "format=")); ok && f != tt.format {
				t.Errorf("FormatFromGst round trip = %s", f)
			}
		})
	}
}

func TestCapFilter(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"video/x-raw, format=RGB, width=320, height=240, framerate=30/1", "video/x-raw,format=RGB,width=320,height=240"},
		{"video/x-raw, format=(string)BGR, width=(int)320, height=(int)240", "video/x-raw,format=BGR,width=320,height=240"},
		{"video/x-raw, format=xRGB, width=64, height=48", "video/x-raw,format=xRGB,width=64,height=48"},
		{"image/jpeg, width=1280, height=720, framerate=30/1", "image/jpeg,width=1280,height=720"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			c, ok := parseCap(tt.raw)
			if !ok {
				t.Fatalf("parseCap(%q) rejected", tt.raw)
			}
			if got := c.Filter(); got != tt.want {
				t.Errorf("Filter = %q, want %q", got, tt.want)
			}
		})
	}

	// RGB and BGR share a pixel format but keep their own caps
	rgb, _ := parseCap("video/x-raw, format=RGB, width=8, height=8")
	bgr, _ := parseCap("video/x-raw, format=BGR, width=8, height=8")
	if rgb.Format != bgr.Format || rgb.Filter() == bgr.Filter() {
		t.Errorf("rgb %+v bgr %+v", rgb, bgr)
	}
}

func TestList(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Skipf("Device monitor not found: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	devices, err := m.List(ctx)
	if err != nil {
		t.Logf("List error (expected without hardware): %v", err)
		return
	}
	for _, d := range devices {
		t.Logf("%s %s caps=%d", d.Name, d.Launch, len(d.Caps))
	}
}
