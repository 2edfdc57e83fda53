package daemon

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
)

// debounceDelay coalesces filesystem events: editor atomic saves and
// git checkouts produce bursts that should count once.
var debounceDelay = 200 * time.Millisecond

// WatchConfig watches the config file's directory and re-validates the
// file on change. A valid change is logged as pending (timing values
// bind at startup); an invalid one is flagged loudly so the operator
// fixes it before the next restart refuses to boot.
//
// Returns a cleanup function. If the watcher cannot be created, returns
// a no-op cleanup (degraded, no file watching).
func (c *Coordinator) WatchConfig(path string) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.Log.Warn("config watcher unavailable", zap.Error(err))
		return func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		c.Log.Warn("config watcher", zap.String("dir", filepath.Dir(path)), zap.Error(err))
	}

	dirty := &atomic.Bool{}
	go func() {
		var debounce *time.Timer
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if dirty.Swap(true) {
						return
					}
					defer dirty.Store(false)
					c.revalidateConfig(path)
				})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { watcher.Close() } //nolint:errcheck // best-effort cleanup
}

func (c *Coordinator) revalidateConfig(path string) {
	if _, err := c.fs.Stat(path); err != nil {
		return // file removed; defaults apply on next start
	}
	if _, err := config.Load(c.fs, path); err != nil {
		c.Log.Error("config file changed and no longer validates; fix before restart",
			zap.String("path", path), zap.Error(err))
		return
	}
	c.Log.Info("config file changed; restart to apply", zap.String("path", path))
}
