package capture

import "errors"

// Capture errors. Callers match them with errors.Is; wrapped forms carry the
// device index and cause.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrFormatNotFound = errors.New("format not found")
	ErrOpeningDevice  = errors.New("opening device failed")
	ErrAlreadyStarted = errors.New("capture already started")
	ErrNotStarted     = errors.New("capture not started")
	ErrNotInitialized = errors.New("not initialized")
	ErrReadFrame      = errors.New("no frame available")
	ErrBufferNull     = errors.New("frame buffer is nil")
	ErrBufferTooSmall = errors.New("frame buffer too small")
)

// Result codes shared with C callers of the capture library
const (
	CodeOK             = 0
	CodeDeviceNotFound = -1
	CodeFormatNotFound = -2
	CodeOpeningDevice  = -3
	CodeAlreadyStarted = -4
	CodeNotStarted     = -5
	CodeNotInitialized = -6
	CodeReadFrame      = -8
	CodeBufferNull     = -10
	CodeBufferTooSmall = -11
	CodeUnknown        = -512
)

var codes = []struct {
	err  error
	code int
}{
	{ErrDeviceNotFound, CodeDeviceNotFound},
	{ErrFormatNotFound, CodeFormatNotFound},
	{ErrOpeningDevice, CodeOpeningDevice},
	{ErrAlreadyStarted, CodeAlreadyStarted},
	{ErrNotStarted, CodeNotStarted},
	{ErrNotInitialized, CodeNotInitialized},
	{ErrReadFrame, CodeReadFrame},
	{ErrBufferNull, CodeBufferNull},
	{ErrBufferTooSmall, CodeBufferTooSmall},
}

// Code maps an error returned by this package to its numeric result code
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
