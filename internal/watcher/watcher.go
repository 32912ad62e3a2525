// Package watcher notices when the worker executable is replaced on disk
// so running sessions can be detached and restarted on the new binary.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"regexrailroad/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// ReplacedCallback is called with the executable path after it changed.
type ReplacedCallback func(path string)

// Watcher monitors executables for replacement.
type Watcher struct {
	mu       sync.RWMutex
	watches  map[string]*binaryWatch // path → watch
	debounce time.Duration
	callback ReplacedCallback
	logger   *logging.Logger
}

type binaryWatch struct {
	path      string
	name      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu   sync.Mutex
	last fingerprint
}

type fingerprint struct {
	size    int64
	modTime time.Time
	exists  bool
}

func stat(path string) fingerprint {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{size: info.Size(), modTime: info.ModTime(), exists: true}
}

// New creates a watcher. A non-positive debounce uses 500ms.
func New(debounce time.Duration, logger *logging.Logger, callback ReplacedCallback) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		watches:  make(map[string]*binaryWatch),
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching path. The parent directory is watched rather
// than the file so that rename-over and delete-then-create installs are
// seen. Watching a path twice is a no-op.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watches[abs]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	bw := &binaryWatch{
		path:      abs,
		name:      filepath.Base(abs),
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		last:      stat(abs),
	}
	w.watches[abs] = bw

	go w.watchLoop(bw)

	w.logger.Debug("watching worker executable", "path", abs)
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	bw, ok := w.watches[abs]
	if ok {
		delete(w.watches, abs)
	}
	w.mu.Unlock()

	if ok {
		close(bw.cancel)
		bw.fsWatcher.Close()
	}
}

// Watched returns the watched paths.
func (w *Watcher) Watched() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	paths := make([]string, 0, len(w.watches))
	for p := range w.watches {
		paths = append(paths, p)
	}
	return paths
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(bw *binaryWatch) {
	var timer *time.Timer

	for {
		select {
		case <-bw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-bw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != bw.name {
				continue
			}

			// Debounce: installers write, chmod and rename in quick succession.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.check(bw)
			})

		case err, ok := <-bw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("executable watcher error", "path", bw.path, "error", err)
		}
	}
}

// check fires the callback if the executable now exists and differs from
// what was last seen.
func (w *Watcher) check(bw *binaryWatch) {
	select {
	case <-bw.cancel:
		return
	default:
	}

	now := stat(bw.path)

	bw.mu.Lock()
	changed := now.exists && now != bw.last
	bw.last = now
	bw.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Info("worker executable replaced", "path", bw.path, "size", now.size)
	if w.callback != nil {
		w.callback(bw.path)
	}
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() {
	for _, p := range w.Watched() {
		w.Unwatch(p)
	}
}
