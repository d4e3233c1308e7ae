package zonefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// Reloader is reloaded when its file changes.
type Reloader interface {
	Origin() string
	Reload(ctx context.Context) error
}

type watched struct {
	reloader Reloader
	modTime  time.Time
}

// Watcher reloads zones when their master files change. Directories are
// watched instead of files so editors that replace files and symlink swaps
// are both seen.
type Watcher struct {
	mu    sync.Mutex
	files map[string]*watched
	dirs  map[string]bool

	watcher *fsnotify.Watcher

	// Delay coalesces the burst of events a single save produces.
	Delay time.Duration
	// Interval is the fallback stat check in case events are missed.
	Interval time.Duration
}

// NewWatcher creates a watcher.
func NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		files:    make(map[string]*watched),
		dirs:     make(map[string]bool),
		watcher:  fw,
		Delay:    500 * time.Millisecond,
		Interval: 5 * time.Minute,
	}, nil
}

// Add watches path on behalf of r.
func (w *Watcher) Add(path string, r Reloader) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(path)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch zone directory: %w", err)
		}
		w.dirs[dir] = true
	}

	f := &watched{reloader: r}
	if fi, err := os.Stat(path); err == nil {
		f.modTime = fi.ModTime()
	}
	w.files[path] = f

	return nil
}

// Run dispatches reloads until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			path, _ := filepath.Abs(event.Name)

			w.mu.Lock()
			_, ok = w.files[path]
			w.mu.Unlock()

			if ok {
				zlog.Debug("Zone file event", "event", event.String())
				pending[path] = true
				timer.Reset(w.Delay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Zone watcher error", "error", err.Error())

		case <-timer.C:
			for path := range pending {
				w.reload(ctx, path)
				delete(pending, path)
			}

		case <-ticker.C:
			w.checkAll(ctx)
		}
	}
}

func (w *Watcher) checkAll(ctx context.Context) {
	w.mu.Lock()
	var changed []string
	for path, f := range w.files {
		fi, err := os.Stat(path)
		if err == nil && fi.ModTime().After(f.modTime) {
			changed = append(changed, path)
		}
	}
	w.mu.Unlock()

	for _, path := range changed {
		w.reload(ctx, path)
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	w.mu.Lock()
	f, ok := w.files[path]
	if ok {
		if fi, err := os.Stat(path); err == nil {
			f.modTime = fi.ModTime()
		}
	}
	w.mu.Unlock()

	if !ok {
		return
	}

	zlog.Info("Zone file changed, reloading", "zone", f.reloader.Origin(), "path", path)

	if err := f.reloader.Reload(ctx); err != nil {
		zlog.Error("Zone reload failed", "zone", f.reloader.Origin(), "path", path, "error", err.Error())
	}
}
