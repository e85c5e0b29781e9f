//go:build !gstreamer

package gstreamer

import "github.com/video-system/go-device-capture/pkg/input"

func initRuntime() error {
	return errNotAvailable
}

func newGraph(*Backend) (input.Graph, error) {
	return nil, errNotAvailable
}
