package gatewayconfig

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when gateway.yaml changes on
// disk. The running gateway sets this at startup to trigger a reload
// without dropping in-flight requests.
type WatchTargets struct {
	// OnConfigChange fires when the watched config file is written or
	// created. Typically reloads routes/upstreams and rebuilds the
	// runtime upstream map.
	OnConfigChange func()
}

// Watcher monitors a config file's directory for changes using fsnotify
// and fires WatchTargets.OnConfigChange when that file is written.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the directory containing path,
// filtering events down to path's own basename.
func NewWatcher(path string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(filepath.Base(path), targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(name string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			slog.Info("gateway config changed, triggering reload", "file", name)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
