package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"

	"github.com/video-system/go-device-capture/pkg/capture"
	"github.com/video-system/go-device-capture/pkg/output"
)

// CaptureEngine is the part of capture.Manager the API drives
type CaptureEngine interface {
	Devices() []capture.Device
	Sessions() []capture.SessionStatus
	Refresh(ctx context.Context) error
	StartCapture(index, width, height int) error
	StartCaptureWithFormat(index, formatIndex int) error
	StopCapture(index int) error
	Snapshot(index int) (*image.NRGBA, error)
	ButtonPressed(index int) bool
	ButtonTimestamp(index int) uint64
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Engine CaptureEngine
	Logger *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)
	mux.HandleFunc("/api/v1/devices/{index}/start", s.handleStart)
	mux.HandleFunc("/api/v1/devices/{index}/stop", s.handleStop)
	mux.HandleFunc("/api/v1/devices/{index}/frame", s.handleFrame)
	mux.HandleFunc("/api/v1/devices/{index}/button", s.handleButton)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("/api/v1/log", s.handleLog)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server
func (s *Server) Start() error {
	s.log.Info("API server starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps capture errors onto HTTP statuses and reports the
// numeric result code alongside the message
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrDeviceNotFound), errors.Is(err, capture.ErrFormatNotFound):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrAlreadyStarted), errors.Is(err, capture.ErrNotStarted):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrNotInitialized), errors.Is(err, capture.ErrReadFrame):
		status = http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrOpeningDevice):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  capture.Code(err),
	})
}

func deviceIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid device index", http.StatusBadRequest)
		return 0, false
	}
	return index, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "go-device-capture",
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices := s.cfg.Engine.Devices()
	if devices == nil {
		devices = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}

	var req struct {
		Width       int  `json:"width"`
		Height      int  `json:"height"`
		FormatIndex *int `json:"format_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	if req.FormatIndex != nil {
		err = s.cfg.Engine.StartCaptureWithFormat(index, *req.FormatIndex)
	} else {
		err = s.cfg.Engine.StartCapture(index, req.Width, req.Height)
	}
	if err != nil {
		s.log.Warn("start capture failed", "index", index, "error", err)
		writeError(w, err)
		return
	}

	for _, st := range s.cfg.Engine.Sessions() {
		if st.DeviceIndex == index {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Engine.StopCapture(index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	format, err := output.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, err := s.cfg.Engine.Snapshot(index)
	if err != nil {
		writeError(w, err)
		return
	}

	contentType := "image/png"
	if format == imaging.JPEG {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	if err := output.Encode(w, img, format, 90); err != nil {
		s.log.Warn("encode frame failed", "index", index, "error", err)
	}
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pressed":   s.cfg.Engine.ButtonPressed(index),
		"timestamp": s.cfg.Engine.ButtonTimestamp(index),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.cfg.Engine.Sessions()
	if sessions == nil {
		sessions = []capture.SessionStatus{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Engine.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"devices": len(s.cfg.Engine.Devices())})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	capture.SetLogEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": capture.LogEnabled()})
}
