package capture

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// levelOff is above every level slog emits
const levelOff = slog.Level(64)

var (
	logLevel = new(slog.LevelVar)
	logPtr   atomic.Pointer[slog.Logger]
)

func init() {
	logLevel.Set(levelOff)
	SetLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logger() *slog.Logger {
	return logPtr.Load()
}

// SetLogEnabled toggles debug logging for the capture package
func SetLogEnabled(enabled bool) {
	if enabled {
		logLevel.Set(slog.LevelDebug)
		return
	}
	logLevel.Set(levelOff)
}

// LogEnabled reports whether debug logging is on
func LogEnabled() bool {
	return logLevel.Level() < levelOff
}

// SetLogger replaces the handler used by the capture package. The
// SetLogEnabled toggle keeps applying on top of h.
func SetLogger(h slog.Handler) {
	logPtr.Store(slog.New(&levelHandler{Handler: h}))
}

type levelHandler struct {
	slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= logLevel.Level() && h.Handler.Enabled(ctx, l)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name)}
}
