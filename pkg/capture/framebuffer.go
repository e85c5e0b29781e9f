package capture

import (
	"sync"
	"sync/atomic"
)

const bytesPerPixel = 4

// frameBuffer holds the latest 32-bit top-down frame of a session
type frameBuffer struct {
	width    int
	height   int
	bottomUp bool

	mu       sync.Mutex
	data     []byte
	hasFrame atomic.Bool

	received atomic.Uint64
	dropped  atomic.Uint64
}

func newFrameBuffer(width, height int) *frameBuffer {
	return &frameBuffer{width: width, height: height}
}

func (fb *frameBuffer) rowBytes() int {
	return fb.width * bytesPerPixel
}

func (fb *frameBuffer) size() int {
	return fb.rowBytes() * fb.height
}

// write stores one sample. Short samples are dropped.
func (fb *frameBuffer) write(sample []byte) {
	size := fb.size()
	if size == 0 || len(sample) < size {
		fb.dropped.Add(1)
		return
	}

	fb.mu.Lock()
	if len(fb.data) != size {
		fb.data = make([]byte, size)
	}
	if fb.bottomUp {
		stride := fb.rowBytes()
		for y := 0; y < fb.height; y++ {
			src := sample[(fb.height-1-y)*stride : (fb.height-y)*stride]
			copy(fb.data[y*stride:(y+1)*stride], src)
		}
	} else {
		copy(fb.data, sample[:size])
	}
	fb.hasFrame.Store(true)
	fb.mu.Unlock()

	fb.received.Add(1)
}

// read copies the latest frame into dst
func (fb *frameBuffer) read(dst []byte) error {
	size := fb.size()
	if len(dst) < size {
		return ErrBufferTooSmall
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if !fb.hasFrame.Load() || len(fb.data) < size {
		return ErrReadFrame
	}
	copy(dst, fb.data[:size])
	return nil
}

// OnSample implements input.SampleCallback for the main frame path
func (fb *frameBuffer) OnSample(data []byte) {
	fb.write(data)
}
