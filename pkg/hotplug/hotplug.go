// Package hotplug watches a device directory and reports when the set of
// matching device nodes changes.
package hotplug

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config selects what to watch
type Config struct {
	Dir      string        // e.g. /dev
	Pattern  string        // base name glob, e.g. video*
	Debounce time.Duration // quiet period before OnChange fires
}

// Watcher debounces create and remove events into change notifications
type Watcher struct {
	cfg      Config
	onChange func()
	log      *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// New starts watching cfg.Dir. onChange runs on the watcher goroutine after
// each burst of matching events settles.
func New(cfg Config, onChange func(), log *slog.Logger) (*Watcher, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", cfg.Pattern, err)
	}
	if log == nil {
		log = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new device watcher: %w", err)
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:      cfg,
		onChange: onChange,
		log:      log.With("dir", cfg.Dir, "pattern", cfg.Pattern),
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Run delivers notifications until ctx is cancelled or Close is called
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("device node event", "name", ev.Name, "op", ev.Op.String())
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				w.log.Info("device set changed")
				w.onChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("device watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ok, _ := filepath.Match(w.cfg.Pattern, filepath.Base(ev.Name))
	return ok
}

// Close stops the watcher
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
