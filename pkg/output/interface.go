package output

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Output is the interface for still image destinations
type Output interface {
	// Metadata
	Name() string
	Type() string

	// Lifecycle
	Open(config Config) error
	Close() error

	// Output
	WriteStill(ctx context.Context, still *Still) (string, error)
}

// Config holds output configuration
type Config struct {
	Path    string // Output directory or URL
	Format  string // png, jpeg
	Quality int    // JPEG quality 1-100
}

// Still is one captured frame
type Still struct {
	DeviceIndex int
	Device      string
	Sequence    int
	Timestamp   time.Time
	Trigger     bool // captured on a hardware button press
	Image       image.Image
}

// Registry holds registered output plugins
var Registry = make(map[string]func() Output)

// Register registers an output plugin
func Register(name string, factory func() Output) {
	Registry[name] = factory
}

// Get returns an output plugin by name
func Get(name string) (Output, bool) {
	factory, ok := Registry[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// ParseFormat maps a configured format name to an image format
func ParseFormat(name string) (imaging.Format, error) {
	if name == "" {
		return imaging.PNG, nil
	}
	f, err := imaging.FormatFromExtension(strings.TrimPrefix(name, "."))
	if err != nil {
		return 0, fmt.Errorf("unsupported image format %q", name)
	}
	if f != imaging.PNG && f != imaging.JPEG {
		return 0, fmt.Errorf("unsupported image format %q", name)
	}
	return f, nil
}

// Encode writes img to w in the given format
func Encode(w io.Writer, img image.Image, format imaging.Format, quality int) error {
	var opts []imaging.EncodeOption
	if format == imaging.JPEG && quality > 0 {
		opts = append(opts, imaging.JPEGQuality(quality))
	}
	return imaging.Encode(w, img, format, opts...)
}
