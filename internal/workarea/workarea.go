// Package workarea builds and describes the canonical directory layout
// every node operates in (SPEC_FULL.md §3). The layout is created once at
// startup and is treated as read-only for the rest of the process
// lifetime; only the per-task folders under run/<session>/tsk are
// mutated afterwards, and those are owned exclusively by the agent
// running that task.
package workarea

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WorkArea resolves every well-known path under a root directory.
type WorkArea struct {
	Root      string
	SessionID string
}

// New creates a WorkArea rooted at root, stamping a session id from the
// current time. The session id is immutable for the process lifetime.
func New(root string) *WorkArea {
	return &WorkArea{
		Root:      root,
		SessionID: time.Now().UTC().Format("20060102T150405"),
	}
}

func (w *WorkArea) Bin() string           { return filepath.Join(w.Root, "bin") }
func (w *WorkArea) Inbox() string         { return filepath.Join(w.Root, "data", "inbox") }
func (w *WorkArea) Outbox() string        { return filepath.Join(w.Root, "data", "outbox") }
func (w *WorkArea) Archive() string       { return filepath.Join(w.Root, "data", "archive") }
func (w *WorkArea) Reproc() string        { return filepath.Join(w.Root, "data", "reproc") }
func (w *WorkArea) Server() string        { return filepath.Join(w.Root, "server") }
func (w *WorkArea) ServerInbox() string   { return filepath.Join(w.Root, "server", "inbox") }
func (w *WorkArea) ServerOutputs() string { return filepath.Join(w.Root, "server", "outputs") }
func (w *WorkArea) SessionRoot() string   { return filepath.Join(w.Root, "run", w.SessionID) }
func (w *WorkArea) TaskRoot() string      { return filepath.Join(w.SessionRoot(), "tsk") }
func (w *WorkArea) LogRoot() string       { return filepath.Join(w.SessionRoot(), "log") }

// TaskFolder returns the folder tree root for a given task id.
func (w *WorkArea) TaskFolder(taskID string) string {
	return filepath.Join(w.TaskRoot(), taskID)
}

// Init creates every well-known directory. The in/out/log
// subdirectories are NOT created here (those belong to individual task
// folders, created by the task manager at schedule time).
func (w *WorkArea) Init() error {
	dirs := []string{
		w.Bin(), w.Inbox(), w.Outbox(), w.Archive(), w.Reproc(),
		w.Server(), w.ServerInbox(), w.ServerOutputs(),
		w.TaskRoot(), w.LogRoot(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create work area directory %s: %w", dir, err)
		}
	}
	return nil
}

// InitTaskFolder creates <task>/{in,out,log} for a newly scheduled task.
func InitTaskFolder(taskFolder string) error {
	for _, sub := range []string{"in", "out", "log"} {
		if err := os.MkdirAll(filepath.Join(taskFolder, sub), 0o755); err != nil {
			return fmt.Errorf("create task subfolder %s: %w", sub, err)
		}
	}
	return nil
}
