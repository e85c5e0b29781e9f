package capture

import (
	"fmt"
	"image"
)

// Snapshot grabs the latest frame of a device as an image. The X byte of
// the 32-bit source is ignored and alpha is opaque.
func (m *Manager) Snapshot(index int) (*image.NRGBA, error) {
	s := m.session(index)
	if s == nil {
		return nil, fmt.Errorf("snapshot %d: %w", index, ErrNotStarted)
	}

	buf := make([]byte, s.frames.size())
	if err := s.frames.read(buf); err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", index, err)
	}
	return bgrxToNRGBA(buf, s.frames.width, s.frames.height), nil
}

// bgrxToNRGBA converts top-down BGRX rows into an NRGBA image
func bgrxToNRGBA(buf []byte, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i+3 < len(img.Pix) && i+3 < len(buf); i += 4 {
		img.Pix[i+0] = buf[i+2]
		img.Pix[i+1] = buf[i+1]
		img.Pix[i+2] = buf[i+0]
		img.Pix[i+3] = 0xff
	}
	return img
}
