package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReadStatusFile interprets a status file. Recognised contents are
// online/up/connected and offline/down/disconnected, case-insensitive.
// A missing, unreadable or unrecognised file counts as online so that the
// engine keeps trying the remote and degrades through normal failures.
func ReadStatusFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "down", "disconnected", "0", "false":
		return false
	default:
		return true
	}
}

// FileWatcher keeps a Monitor in step with a status file.
type FileWatcher struct {
	path    string
	monitor *Monitor
	watcher *fsnotify.Watcher
}

// NewFileWatcher watches path on behalf of monitor. The parent directory
// is watched rather than the file itself so that atomic replacements and
// late creation are seen.
func NewFileWatcher(path string, monitor *Monitor) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve status file: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	monitor.SetOnline(ReadStatusFile(abs))
	return &FileWatcher{path: abs, monitor: monitor, watcher: w}, nil
}

// Run applies file changes to the monitor until ctx is done.
func (fw *FileWatcher) Run(ctx context.Context) {
	defer fw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.monitor.SetOnline(ReadStatusFile(fw.path))
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				fw.monitor.SetOnline(ReadStatusFile(fw.path))
				continue
			}
			slog.Warn("status file watch error",
				"component", "connectivity",
				"path", fw.path,
				"error", err,
			)
		}
	}
}
