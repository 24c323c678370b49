package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports snapshot replacements made by any worker sharing the
// directory. The writer renames a temp file over snapshot.json, so the
// directory is watched rather than the file.
type Watcher struct {
	fs     *fsnotify.Watcher
	quiet  time.Duration
	logger *slog.Logger
}

// NewWatcher starts watching dir. A burst of events inside quiet produces a
// single notification.
func NewWatcher(dir string, quiet time.Duration, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{fs: fs, quiet: quiet, logger: logger}, nil
}

// Run calls onChange on the calling goroutine until ctx ends, then closes
// the underlying watcher.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fs.Close()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return errors.New("snapshot watcher: event stream closed")
			}
			if !replacesSnapshot(ev) {
				continue
			}
			w.logger.Debug("snapshot replaced on disk", "op", ev.Op.String())
			settle.Reset(w.quiet)
		case <-settle.C:
			onChange()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("snapshot watcher: error stream closed")
			}
			w.logger.Warn("snapshot watcher error", "error", err)
		}
	}
}

func replacesSnapshot(ev fsnotify.Event) bool {
	return filepath.Base(ev.Name) == snapshotFile &&
		ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}
