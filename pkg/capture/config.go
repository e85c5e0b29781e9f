package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all capture service configuration
type Config struct {
	Backend      string        `yaml:"backend"`       // synthetic, gstreamer
	LogEnabled   bool          `yaml:"log_enabled"`   // debug logging for the capture core
	PollInterval time.Duration `yaml:"poll_interval"` // hardware trigger polling (5ms)

	Sessions  []SessionConfig `yaml:"sessions"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	API       APIConfig       `yaml:"api"`
	Hotplug   HotplugConfig   `yaml:"hotplug"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SessionConfig selects a device and format to capture at startup.
// The device is matched by Name when set, otherwise by Index. The format is
// FormatIndex when >= 0, otherwise the best match for Width x Height.
type SessionConfig struct {
	Name        string `yaml:"name"`
	Index       int    `yaml:"index"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FormatIndex *int   `yaml:"format_index"`
}

// SnapshotConfig configures still images saved from grabbed frames
type SnapshotConfig struct {
	Dir      string `yaml:"dir"`
	Format   string `yaml:"format"` // png, jpeg
	OnButton bool   `yaml:"on_button"`
	Quality  int    `yaml:"quality"` // jpeg only
}

// APIConfig configures the control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
}

// HotplugConfig configures device node watching
type HotplugConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`     // /dev
	Pattern  string        `yaml:"pattern"` // video*
	Debounce time.Duration `yaml:"debounce"`
}

// SyntheticConfig describes devices of the synthetic backend
type SyntheticConfig struct {
	Devices []SyntheticDevice `yaml:"devices"`
}

// SyntheticDevice is one generated test-pattern camera
type SyntheticDevice struct {
	Name        string        `yaml:"name"`
	Path        string        `yaml:"path"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FrameRate   int           `yaml:"frame_rate"`
	Format      string        `yaml:"format"`
	BottomUp    bool          `yaml:"bottom_up"`
	Trigger     bool          `yaml:"trigger"`
	ButtonEvery time.Duration `yaml:"button_every"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Backend == "" {
		cfg.Backend = "synthetic"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Snapshot.Format == "" {
		cfg.Snapshot.Format = "png"
	}
	if cfg.Snapshot.Quality == 0 {
		cfg.Snapshot.Quality = 90
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Hotplug.Dir == "" {
		cfg.Hotplug.Dir = "/dev"
	}
	if cfg.Hotplug.Pattern == "" {
		cfg.Hotplug.Pattern = "video*"
	}
	if cfg.Hotplug.Debounce == 0 {
		cfg.Hotplug.Debounce = 500 * time.Millisecond
	}

	for i := range cfg.Synthetic.Devices {
		d := &cfg.Synthetic.Devices[i]
		if d.Width == 0 {
			d.Width = 640
		}
		if d.Height == 0 {
			d.Height = 480
		}
		if d.FrameRate == 0 {
			d.FrameRate = 30
		}
		if d.Format == "" {
			d.Format = "YUY2"
		}
		if d.Path == "" {
			d.Path = fmt.Sprintf("synthetic://%d", i)
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("Synthetic Camera %d", i)
		}
	}

	return &cfg, nil
}
