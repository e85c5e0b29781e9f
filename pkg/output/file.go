package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

func init() {
	Register("file", func() Output { return NewFile() })
}

// File writes stills into a directory
type File struct {
	mu      sync.Mutex
	dir     string
	format  imaging.Format
	ext     string
	quality int
	open    bool
}

// NewFile creates an unopened file output
func NewFile() *File {
	return &File{}
}

func (f *File) Name() string { return "file" }
func (f *File) Type() string { return "file" }

// Open validates the format and creates the directory
func (f *File) Open(cfg Config) error {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	dir := cfg.Path
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dir = dir
	f.format = format
	f.ext = ".png"
	if format == imaging.JPEG {
		f.ext = ".jpg"
	}
	f.quality = cfg.Quality
	f.open = true
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}

// WriteStill saves the image and returns its path. Files are written under
// a temporary name and renamed so readers never see partial images.
func (f *File) WriteStill(ctx context.Context, still *Still) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if still == nil || still.Image == nil {
		return "", errors.New("empty still")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return "", errors.New("output not open")
	}

	name := fmt.Sprintf("%s-%d-%s-%06d%s",
		sanitize(still.Device),
		still.DeviceIndex,
		still.Timestamp.UTC().Format("20060102T150405.000"),
		still.Sequence,
		f.ext,
	)
	path := filepath.Join(f.dir, name)

	tmp, err := os.CreateTemp(f.dir, ".still-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := Encode(tmp, still.Image, f.format, f.quality); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return path, nil
}

// sanitize keeps device names usable as file name components
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	if name == "" {
		return "device"
	}
	return name
}
