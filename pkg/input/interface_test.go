package input

import (
	"context"
	"testing"
)

type nopBackend struct{}

func (nopBackend) Name() string                 { return "nop" }
func (nopBackend) EnterThread() (func(), error) { return func() {}, nil }
func (nopBackend) NewGraph() (Graph, error)     { return nil, ErrNotSupported }
func (nopBackend) ListDevices(context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

func TestPriority(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   int
	}{
		{FormatRGB32, 4},
		{FormatRGB24, 4},
		{FormatNV12, 3},
		{FormatYUY2, 2},
		{FormatMJPG, 1},
		{PixelFormat("{30323449-0000-0010-8000-00AA00389B71}"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if got := tt.format.Priority(); got != tt.want {
				t.Errorf("Priority() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	Register("nop-test", func() (Backend, error) { return nopBackend{}, nil })

	b, err := Get("nop-test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Name() != "nop" {
		t.Errorf("Name() = %q", b.Name())
	}

	if _, err := Get("missing"); err == nil {
		t.Error("expected error for unknown backend")
	}

	found := false
	for _, name := range Names() {
		if name == "nop-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v, missing nop-test", Names())
	}
}
