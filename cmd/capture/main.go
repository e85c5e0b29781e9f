package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/video-system/go-device-capture/pkg/api"
	"github.com/video-system/go-device-capture/pkg/capture"
	"github.com/video-system/go-device-capture/pkg/hotplug"
	"github.com/video-system/go-device-capture/pkg/input"
	_ "github.com/video-system/go-device-capture/pkg/input/gstreamer"
	"github.com/video-system/go-device-capture/pkg/input/synthetic"
	"github.com/video-system/go-device-capture/pkg/output"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file (empty for defaults)")
	backendName := flag.String("backend", "", "Override the configured backend")
	list := flag.Bool("list", false, "List devices and formats, then exit")
	verbose := flag.Bool("v", false, "Enable capture debug logging")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(log)
	capture.SetLogger(log.Handler())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	capture.SetLogEnabled(cfg.LogEnabled || *verbose)

	backend, err := newBackend(cfg)
	if err != nil {
		log.Error("failed to create backend", "backend", cfg.Backend, "available", input.Names(), "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	manager := capture.NewManager(backend, capture.WithPollInterval(cfg.PollInterval))
	if err := manager.Initialize(ctx); err != nil {
		log.Error("failed to enumerate devices", "error", err)
		os.Exit(1)
	}
	defer manager.Shutdown()

	if *list {
		printDevices(manager.Devices())
		return
	}

	log.Info("capture starting", "version", version, "backend", backend.Name(), "devices", manager.DeviceCount())
	startSessions(manager, cfg.Sessions, log)

	var stills output.Output
	if cfg.Snapshot.Dir != "" {
		out, _ := output.Get("file")
		if err := out.Open(output.Config{Path: cfg.Snapshot.Dir, Format: cfg.Snapshot.Format, Quality: cfg.Snapshot.Quality}); err != nil {
			log.Error("failed to open snapshot output", "dir", cfg.Snapshot.Dir, "error", err)
			os.Exit(1)
		}
		defer out.Close()
		stills = out
	}
	if stills != nil && cfg.Snapshot.OnButton {
		go watchButtons(ctx, manager, stills, log)
	}

	if cfg.Hotplug.Enabled {
		w, err := hotplug.New(hotplug.Config{
			Dir:      cfg.Hotplug.Dir,
			Pattern:  cfg.Hotplug.Pattern,
			Debounce: cfg.Hotplug.Debounce,
		}, func() {
			if err := manager.Refresh(ctx); err != nil {
				log.Warn("device refresh skipped", "error", err)
				return
			}
			log.Info("device catalog refreshed", "devices", manager.DeviceCount())
		}, log)
		if err != nil {
			log.Warn("hotplug disabled", "error", err)
		} else {
			defer w.Close()
			go w.Run(ctx)
		}
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(api.ServerConfig{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			Engine: manager,
			Logger: log,
		})
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("API server error", "error", err)
			}
		}()
		defer apiServer.Stop()
	}

	<-ctx.Done()
	log.Info("capture stopped")
}

func loadConfig(path string) (*capture.Config, error) {
	if path == "" {
		return capture.ParseConfig(nil)
	}
	return capture.LoadConfig(path)
}

// newBackend builds the configured synthetic cameras or looks the backend
// up in the registry
func newBackend(cfg *capture.Config) (input.Backend, error) {
	if cfg.Backend == "synthetic" && len(cfg.Synthetic.Devices) > 0 {
		cams := make([]synthetic.Camera, 0, len(cfg.Synthetic.Devices))
		for _, d := range cfg.Synthetic.Devices {
			cams = append(cams, syntheticCamera(d))
		}
		return synthetic.New(cams...), nil
	}
	return input.Get(cfg.Backend)
}

func syntheticCamera(d capture.SyntheticDevice) synthetic.Camera {
	cam := synthetic.Camera{
		Name:        d.Name,
		Path:        d.Path,
		Caps:        synthetic.Caps(input.PixelFormat(d.Format), d.Width, d.Height, d.FrameRate),
		BottomUp:    d.BottomUp,
		ButtonEvery: d.ButtonEvery,
	}
	if d.FrameRate > 0 {
		cam.FrameInterval = time.Second / time.Duration(d.FrameRate)
	}
	if d.Trigger {
		cam.Control = &synthetic.Control{Caps: input.FlagTrigger | input.FlagExternalTriggerEnable}
	}
	return cam
}

// resolveIndex finds the device a session config refers to
func resolveIndex(devices []capture.Device, sc capture.SessionConfig) (int, error) {
	if sc.Name == "" {
		return sc.Index, nil
	}
	for i, d := range devices {
		if d.Name == sc.Name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("device %q: %w", sc.Name, capture.ErrDeviceNotFound)
}

func startSessions(m *capture.Manager, sessions []capture.SessionConfig, log *slog.Logger) {
	devices := m.Devices()
	for _, sc := range sessions {
		index, err := resolveIndex(devices, sc)
		if err == nil {
			if sc.FormatIndex != nil {
				err = m.StartCaptureWithFormat(index, *sc.FormatIndex)
			} else {
				err = m.StartCapture(index, sc.Width, sc.Height)
			}
		}
		if err != nil {
			log.Error("failed to start session", "name", sc.Name, "index", sc.Index, "code", capture.Code(err), "error", err)
			continue
		}
		log.Info("session started", "index", index, "device", devices[index].Name)
	}
}

// watchButtons saves a still for every button edge of every session
func watchButtons(ctx context.Context, m *capture.Manager, out output.Output, log *slog.Logger) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.Sessions() {
				if !m.ButtonPressed(st.DeviceIndex) {
					continue
				}
				img, err := m.Snapshot(st.DeviceIndex)
				if err != nil {
					log.Warn("button snapshot failed", "index", st.DeviceIndex, "error", err)
					continue
				}
				seq++
				path, err := out.WriteStill(ctx, &output.Still{
					DeviceIndex: st.DeviceIndex,
					Device:      st.Device,
					Sequence:    seq,
					Timestamp:   time.Now(),
					Trigger:     true,
					Image:       img,
				})
				if err != nil {
					log.Warn("save still failed", "index", st.DeviceIndex, "error", err)
					continue
				}
				log.Info("button still saved", "index", st.DeviceIndex, "path", path)
			}
		}
	}
}

func printDevices(devices []capture.Device) {
	if len(devices) == 0 {
		fmt.Println("No capture devices found")
		return
	}
	for i, d := range devices {
		fmt.Printf("[%d] %s\n", i, d.Name)
		fmt.Printf("    id: %s\n", d.Path)
		if d.VendorID != 0 || d.ProductID != 0 {
			fmt.Printf("    usb: %04x:%04x\n", d.VendorID, d.ProductID)
		}
		for j, f := range d.Formats {
			fmt.Printf("    %2d: %s\n", j, f)
		}
	}
}
