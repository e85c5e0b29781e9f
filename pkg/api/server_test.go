package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/video-system/go-device-capture/pkg/capture"
	"github.com/video-system/go-device-capture/pkg/input"
	"github.com/video-system/go-device-capture/pkg/input/synthetic"
)

func newTestServer(t *testing.T) (*httptest.Server, *synthetic.Backend) {
	t.Helper()
	cam := synthetic.Camera{
		Name: "Bench Camera",
		Path: "cam0",
		Caps: synthetic.Caps(input.FormatYUY2, 8, 4, 30),
	}
	backend := synthetic.New(cam)
	m := capture.NewManager(backend, capture.WithPollInterval(time.Millisecond))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(m.Shutdown)

	srv := httptest.NewServer(NewServer(ServerConfig{Engine: m}).Handler())
	t.Cleanup(srv.Close)
	return srv, backend
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDevices(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var devices []capture.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Name != "Bench Camera" || devices[0].Path != "cam0" {
		t.Fatalf("devices = %+v", devices)
	}
	if f := devices[0].Formats; len(f) != 1 || f[0].Width != 8 || f[0].PixelFormat != input.FormatYUY2 {
		t.Errorf("formats = %+v", f)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/devices", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST devices status %d", resp.StatusCode)
	}
}

func TestCaptureLifecycle(t *testing.T) {
	srv, backend := newTestServer(t)
	base := srv.URL + "/api/v1/devices/0"

	resp := do(t, http.MethodPost, base+"/start", `{"width":8,"height":4}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	var st capture.SessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "running" || st.Width != 8 || st.SessionID == "" {
		t.Errorf("session = %+v", st)
	}

	resp = do(t, http.MethodPost, base+"/start", `{"format_index":0}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status %d, want 409", resp.StatusCode)
	}
	var body struct {
		Code int `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != capture.CodeAlreadyStarted {
		t.Errorf("code = %d", body.Code)
	}

	if resp := do(t, http.MethodGet, base+"/frame", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("frame before first sample status %d", resp.StatusCode)
	}

	backend.PushFrame("cam0", synthetic.Pattern(8, 4, 0))
	resp = do(t, http.MethodGet, base+"/frame", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("frame status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("frame bounds %v", b)
	}

	resp = do(t, http.MethodGet, base+"/frame?format=jpeg", "")
	if resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("jpeg frame type %q", resp.Header.Get("Content-Type"))
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/sessions", "")
	var sessions []capture.SessionStatus
	json.NewDecoder(resp.Body).Decode(&sessions)
	if len(sessions) != 1 || !sessions[0].HasFrame || sessions[0].FramesReceived != 1 {
		t.Errorf("sessions = %+v", sessions)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/refresh", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("refresh while capturing status %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, base+"/stop", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("stop status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, base+"/stop", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop status %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/refresh", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("refresh when idle status %d", resp.StatusCode)
	}
}

func TestRequestErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad index", http.MethodPost, "/api/v1/devices/x/start", `{}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/v1/devices/0/start", `{`, http.StatusBadRequest},
		{"unknown device", http.MethodPost, "/api/v1/devices/5/start", `{"width":8,"height":4}`, http.StatusNotFound},
		{"unknown format", http.MethodPost, "/api/v1/devices/0/start", `{"format_index":3}`, http.StatusNotFound},
		{"stop idle", http.MethodPost, "/api/v1/devices/0/stop", "", http.StatusConflict},
		{"frame idle", http.MethodGet, "/api/v1/devices/0/frame", "", http.StatusConflict},
		{"bad frame format", http.MethodGet, "/api/v1/devices/0/frame?format=gif", "", http.StatusBadRequest},
		{"start via GET", http.MethodGet, "/api/v1/devices/0/start", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestButtonAndLog(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/devices/0/button", "")
	var button struct {
		Pressed   bool   `json:"pressed"`
		Timestamp uint64 `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&button); err != nil {
		t.Fatal(err)
	}
	if button.Pressed || button.Timestamp != 0 {
		t.Errorf("button = %+v on idle device", button)
	}

	defer capture.SetLogEnabled(capture.LogEnabled())
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/log", `{"enabled":true}`)
	var logState struct {
		Enabled bool `json:"enabled"`
	}
	json.NewDecoder(resp.Body).Decode(&logState)
	if !logState.Enabled || !capture.LogEnabled() {
		t.Error("logging not enabled")
	}

	resp = do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d", resp.StatusCode)
	}
}
