package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/video-system/go-device-capture/pkg/input"
)

// DefaultPollInterval is how often a session checks its hardware trigger
const DefaultPollInterval = 5 * time.Millisecond

// Manager owns the device catalog and the active capture sessions
type Manager struct {
	backend      input.Backend
	pollInterval time.Duration
	now          func() time.Time

	// enumMu serializes enumeration; mu guards everything below it
	enumMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	generation  uint64
	devices     []Device
	sessions    map[int]*session
	pending     map[int]struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithPollInterval sets the trigger polling interval
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithClock sets the time source for button timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager on top of a platform backend
func NewManager(backend input.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:      backend,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		sessions:     make(map[int]*session),
		pending:      make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize builds the device catalog. It is a no-op when already
// initialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.enumMu.Lock()
	defer m.enumMu.Unlock()

	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if initialized {
		return nil
	}

	devices, err := enumerate(ctx, m.backend)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	m.mu.Lock()
	m.devices = devices
	m.generation++
	m.initialized = true
	m.mu.Unlock()

	logger().Info("capture initialized", "backend", m.backend.Name(), "devices", len(devices))
	return nil
}

// Refresh re-enumerates devices and replaces the catalog. Device indices
// may change, so it is refused while any capture is active. On failure the
// previous catalog stays in place.
func (m *Manager) Refresh(ctx context.Context) error {
	m.enumMu.Lock()
	defer m.enumMu.Unlock()

	if err := m.checkIdle(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	devices, err := enumerate(ctx, m.backend)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return fmt.Errorf("refresh: %w", ErrNotInitialized)
	}
	if len(m.sessions) > 0 || len(m.pending) > 0 {
		return fmt.Errorf("refresh: %w", ErrAlreadyStarted)
	}
	m.devices = devices
	m.generation++

	logger().Info("device catalog refreshed", "devices", len(devices))
	return nil
}

func (m *Manager) checkIdle() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if len(m.sessions) > 0 || len(m.pending) > 0 {
		return ErrAlreadyStarted
	}
	return nil
}

// Shutdown stops every session and clears the catalog
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.initialized = false
	m.generation++
	gen := m.generation
	sessions := m.sessions
	m.sessions = make(map[int]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.requestStop()
	}
	for _, s := range sessions {
		s.join()
	}

	m.mu.Lock()
	if m.generation == gen {
		m.devices = nil
	}
	m.mu.Unlock()

	logger().Info("capture shut down", "sessions_stopped", len(sessions))
}

// Generation returns the catalog generation counter
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Devices returns a copy of the device catalog
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil
	}

	devices := make([]Device, len(m.devices))
	for i, d := range m.devices {
		devices[i] = d.clone()
	}
	return devices
}

// DeviceCount returns the number of enumerated devices
func (m *Manager) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return 0
	}
	return len(m.devices)
}

func (m *Manager) device(index int) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized || index < 0 || index >= len(m.devices) {
		return Device{}, false
	}
	return m.devices[index], true
}

func (m *Manager) format(index, formatIndex int) (Format, bool) {
	d, ok := m.device(index)
	if !ok || formatIndex < 0 || formatIndex >= len(d.Formats) {
		return Format{}, false
	}
	return d.Formats[formatIndex], true
}

// DeviceName returns the device's display name
func (m *Manager) DeviceName(index int) string {
	d, _ := m.device(index)
	return d.Name
}

// DeviceUniqueID returns the device's platform path
func (m *Manager) DeviceUniqueID(index int) string {
	d, _ := m.device(index)
	return d.Path
}

// DeviceModelID returns the device's model identifier
func (m *Manager) DeviceModelID(index int) string {
	d, _ := m.device(index)
	return d.ModelID
}

// DeviceVID returns the USB vendor ID, or 0
func (m *Manager) DeviceVID(index int) int {
	d, _ := m.device(index)
	return d.VendorID
}

// DevicePID returns the USB product ID, or 0
func (m *Manager) DevicePID(index int) int {
	d, _ := m.device(index)
	return d.ProductID
}

// FormatCount returns the number of formats of a device
func (m *Manager) FormatCount(index int) int {
	d, _ := m.device(index)
	return len(d.Formats)
}

func (m *Manager) FormatWidth(index, formatIndex int) int {
	f, _ := m.format(index, formatIndex)
	return f.Width
}

func (m *Manager) FormatHeight(index, formatIndex int) int {
	f, _ := m.format(index, formatIndex)
	return f.Height
}

func (m *Manager) FormatFrameRate(index, formatIndex int) int {
	f, _ := m.format(index, formatIndex)
	return f.FrameRate
}

// FormatType returns the pixel format name, e.g. "YUY2"
func (m *Manager) FormatType(index, formatIndex int) string {
	f, _ := m.format(index, formatIndex)
	return string(f.PixelFormat)
}

// StartCapture starts the best format matching width and height: highest
// pixel format priority, then highest frame rate.
func (m *Manager) StartCapture(index, width, height int) error {
	return m.start(index, func(d Device) (int, error) {
		best := -1
		for i, f := range d.Formats {
			if f.Width != width || f.Height != height {
				continue
			}
			if best < 0 || betterFormat(f, d.Formats[best]) {
				best = i
			}
		}
		if best < 0 {
			return 0, fmt.Errorf("%dx%d: %w", width, height, ErrFormatNotFound)
		}
		return best, nil
	})
}

func betterFormat(a, b Format) bool {
	pa, pb := a.PixelFormat.Priority(), b.PixelFormat.Priority()
	if pa != pb {
		return pa > pb
	}
	return a.FrameRate > b.FrameRate
}

// StartCaptureWithFormat starts a specific catalog format
func (m *Manager) StartCaptureWithFormat(index, formatIndex int) error {
	return m.start(index, func(d Device) (int, error) {
		if formatIndex < 0 || formatIndex >= len(d.Formats) {
			return 0, fmt.Errorf("format %d: %w", formatIndex, ErrFormatNotFound)
		}
		return formatIndex, nil
	})
}

// start reserves the device, runs the session build on its own worker and
// publishes the session only if nothing changed while it was building.
func (m *Manager) start(index int, choose func(Device) (int, error)) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return fmt.Errorf("start capture %d: %w", index, ErrNotInitialized)
	}
	if index < 0 || index >= len(m.devices) {
		m.mu.Unlock()
		return fmt.Errorf("start capture %d: %w", index, ErrDeviceNotFound)
	}
	dev := m.devices[index].clone()
	formatIndex, err := choose(dev)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start capture %d: %w", index, err)
	}
	_, active := m.sessions[index]
	_, starting := m.pending[index]
	if active || starting {
		m.mu.Unlock()
		return fmt.Errorf("start capture %d: %w", index, ErrAlreadyStarted)
	}
	m.pending[index] = struct{}{}
	gen := m.generation
	m.mu.Unlock()

	s := newSession(index, dev, dev.Formats[formatIndex], m.backend, m.pollInterval, m.now)
	err = s.start()

	m.mu.Lock()
	delete(m.pending, index)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start capture %d: %w", index, err)
	}
	var conflict error
	switch {
	case !m.initialized || m.generation != gen:
		conflict = ErrNotInitialized
	case m.sessions[index] != nil:
		conflict = ErrAlreadyStarted
	default:
		m.sessions[index] = s
	}
	m.mu.Unlock()

	if conflict != nil {
		s.requestStop()
		s.join()
		return fmt.Errorf("start capture %d: %w", index, conflict)
	}
	return nil
}

// StopCapture stops a device's session and waits for its worker to exit
func (m *Manager) StopCapture(index int) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return fmt.Errorf("stop capture %d: %w", index, ErrNotInitialized)
	}
	if index < 0 || index >= len(m.devices) {
		m.mu.Unlock()
		return fmt.Errorf("stop capture %d: %w", index, ErrDeviceNotFound)
	}
	s, ok := m.sessions[index]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stop capture %d: %w", index, ErrNotStarted)
	}
	delete(m.sessions, index)
	m.mu.Unlock()

	s.requestStop()
	s.join()
	return nil
}

func (m *Manager) session(index int) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[index]
}

// HasFirstFrame reports whether a device's session has received a frame
func (m *Manager) HasFirstFrame(index int) bool {
	s := m.session(index)
	return s != nil && s.frames.hasFrame.Load()
}

// GrabFrame copies the latest frame into buf. Frames are 32 bits per pixel,
// top-down, FrameBytesPerRow bytes per row with no padding.
func (m *Manager) GrabFrame(index int, buf []byte) error {
	s := m.session(index)
	if s == nil {
		return fmt.Errorf("grab frame %d: %w", index, ErrNotStarted)
	}
	if buf == nil {
		return fmt.Errorf("grab frame %d: %w", index, ErrBufferNull)
	}
	if err := s.frames.read(buf); err != nil {
		return fmt.Errorf("grab frame %d: %w", index, err)
	}
	return nil
}

func (m *Manager) FrameWidth(index int) int {
	if s := m.session(index); s != nil {
		return s.frames.width
	}
	return 0
}

func (m *Manager) FrameHeight(index int) int {
	if s := m.session(index); s != nil {
		return s.frames.height
	}
	return 0
}

func (m *Manager) FrameBytesPerRow(index int) int {
	if s := m.session(index); s != nil {
		return s.frames.rowBytes()
	}
	return 0
}

// ButtonPressed reports whether the device's button was pressed since the
// last call. Each press is reported once.
func (m *Manager) ButtonPressed(index int) bool {
	s := m.session(index)
	return s != nil && s.trigger.pressed()
}

// ButtonTimestamp returns the time of the last press in 100ns ticks since
// 1601-01-01 UTC, or 0 if none was recorded.
func (m *Manager) ButtonTimestamp(index int) uint64 {
	if s := m.session(index); s != nil {
		return s.trigger.timestamp.Load()
	}
	return 0
}

// Sessions returns the status of all active sessions ordered by device index
func (m *Manager) Sessions() []SessionStatus {
	m.mu.RLock()
	statuses := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		statuses = append(statuses, s.status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceIndex < statuses[j].DeviceIndex
	})
	return statuses
}
