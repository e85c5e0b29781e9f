package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/video-system/go-device-capture/pkg/input/synthetic"
)

func gradient(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 32), B: uint8(x + y), A: 0xff})
		}
	}
	return img
}

func TestFrameOrientation(t *testing.T) {
	const w, h = 16, 9
	img := gradient(w, h)
	flipped := imaging.FlipV(img)

	topDown := newFrameBuffer(w, h)
	topDown.write(img.Pix)

	bottomUp := newFrameBuffer(w, h)
	bottomUp.bottomUp = true
	bottomUp.write(flipped.Pix)

	a := make([]byte, w*h*4)
	b := make([]byte, w*h*4)
	if err := topDown.read(a); err != nil {
		t.Fatalf("read top-down: %v", err)
	}
	if err := bottomUp.read(b); err != nil {
		t.Fatalf("read bottom-up: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("bottom-up source not normalized to top-down")
	}
	if !bytes.Equal(a, img.Pix) {
		t.Error("top-down source altered")
	}
}

func TestBottomUpDevice(t *testing.T) {
	cam := testCamera("cam")
	cam.BottomUp = true
	m, backend := newTestManager(t, cam)

	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	frame := testFrame(8, 4)
	backend.PushFrame("cam", frame)

	buf := make([]byte, len(frame))
	if err := m.GrabFrame(0, buf); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	if !bytes.Equal(buf, frame) {
		t.Error("bottom-up device frame not delivered top-down")
	}
}

func TestFrameBuffer(t *testing.T) {
	fb := newFrameBuffer(4, 2)
	if fb.rowBytes() != 16 || fb.size() != 32 {
		t.Fatalf("rowBytes=%d size=%d", fb.rowBytes(), fb.size())
	}

	if err := fb.read(make([]byte, 32)); !errors.Is(err, ErrReadFrame) {
		t.Errorf("read before frame = %v, want ErrReadFrame", err)
	}
	if err := fb.read(make([]byte, 8)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("small read = %v, want ErrBufferTooSmall", err)
	}

	fb.write(make([]byte, 31))
	if fb.hasFrame.Load() {
		t.Error("short sample accepted")
	}

	// Oversized samples are truncated to the frame size
	sample := bytes.Repeat([]byte{0xab}, 40)
	fb.write(sample)
	out := make([]byte, 32)
	if err := fb.read(out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, sample[:32]) {
		t.Error("frame content mismatch")
	}
	if fb.received.Load() != 1 || fb.dropped.Load() != 1 {
		t.Errorf("received=%d dropped=%d", fb.received.Load(), fb.dropped.Load())
	}
}

func TestFrameSize(t *testing.T) {
	if _, _, err := frameSize(1<<30, 1); err == nil {
		t.Error("row overflow not detected")
	}
	if _, _, err := frameSize(1<<20, 1<<12); err == nil {
		t.Error("frame overflow not detected")
	}
	row, size, err := frameSize(1920, 1080)
	if err != nil || row != 7680 || size != 7680*1080 {
		t.Errorf("frameSize(1920,1080) = %d, %d, %v", row, size, err)
	}
}

func TestSnapshot(t *testing.T) {
	m, backend := newTestManager(t, testCamera("cam"))
	if err := m.StartCapture(0, 8, 4); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := m.Snapshot(0); !errors.Is(err, ErrReadFrame) {
		t.Errorf("Snapshot before frame = %v, want ErrReadFrame", err)
	}

	backend.PushFrame("cam", synthetic.Pattern(8, 4, 0))
	img, err := m.Snapshot(0)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("snapshot bounds %v", b)
	}
	// Row 0 is the white line; the last column of row 1 is the black bar
	if c := img.NRGBAAt(0, 0); c != (color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}) {
		t.Errorf("pixel (0,0) = %v", c)
	}
	if c := img.NRGBAAt(7, 1); c != (color.NRGBA{A: 0xff}) {
		t.Errorf("pixel (7,1) = %v", c)
	}
	// Bar 5 is BGR 00,00,ff: pure red
	if c := img.NRGBAAt(5, 1); c != (color.NRGBA{R: 0xff, A: 0xff}) {
		t.Errorf("pixel (5,1) = %v", c)
	}
}
