// Package watcher turns a filesystem folder into a stream of (path, name,
// isDir) events. It is the Directory Watcher of SPEC_FULL.md §4 and the
// one component in the system that blocks on kernel notification rather
// than a channel or socket.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
)

// Event is one filesystem notification translated into the shape the
// rest of the pipeline consumes.
type Event struct {
	Path  string
	Name  string
	IsDir bool
}

// Watcher watches a single directory for newly created or renamed-in
// entries and buffers them until Drain is called.
type Watcher struct {
	dir     string
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	pending []Event
}

// maxDrainPerCall caps how many events a single Drain call returns, so
// one saturated watcher can't starve the master loop (§5).
const maxDrainPerCall = 5

// New starts watching dir. The directory must already exist.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{dir: dir, fsw: fsw}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	logger := log.WithComponent("watcher")
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.pending = append(w.pending, Event{
				Path:  ev.Name,
				Name:  filepath.Base(ev.Name),
				IsDir: info.IsDir(),
			})
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Str("dir", w.dir).Msg("directory watcher error")
		}
	}
}

// Drain returns up to maxDrainPerCall buffered events, oldest first, and
// removes them from the buffer.
func (w *Watcher) Drain() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	n := len(w.pending)
	if n > maxDrainPerCall {
		n = maxDrainPerCall
	}
	out := make([]Event, n)
	copy(out, w.pending[:n])
	w.pending = w.pending[n:]
	return out
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
