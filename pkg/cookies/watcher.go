package cookies

import (
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Watcher reports content changes to a cookie file. Editors and Save both
// replace the file by rename, so the parent directory is watched.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	logger  *slog.Logger
	hub     *telemetry.Hub
	version atomic.Uint64

	mu   sync.Mutex
	sum  [sha256.Size]byte
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching path. The file does not need to exist yet.
func NewWatcher(path string, logger *slog.Logger, hub *telemetry.Hub) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:   abs,
		fs:     fw,
		logger: logging.OrDiscard(logger),
		hub:    hub,
		done:   make(chan struct{}),
	}
	w.Sync()
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Version increases each time the file content changes.
func (w *Watcher) Version() uint64 {
	return w.version.Load()
}

// Sync records the current content as seen, so a write made by this process
// does not count as an external change.
func (w *Watcher) Sync() {
	sum, _ := digest(w.path)
	w.mu.Lock()
	w.sum = sum
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	// Debounce bursts from editors that write then rename.
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				pending = time.After(100 * time.Millisecond)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("cookie watcher error", "error", err)
		case <-pending:
			pending = nil
			w.check()
		}
	}
}

func (w *Watcher) check() {
	sum, err := digest(w.path)
	if err != nil && !os.IsNotExist(err) {
		w.logger.Debug("cookie file unreadable", "error", err)
		return
	}
	w.mu.Lock()
	changed := sum != w.sum
	w.sum = sum
	w.mu.Unlock()
	if !changed {
		return
	}
	v := w.version.Add(1)
	w.logger.Info("cookie file changed", "path", w.path, "version", v)
	w.hub.Emit(telemetry.EventCookiesChanged, "", map[string]any{"version": v})
}

// Close stops watching.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func digest(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
