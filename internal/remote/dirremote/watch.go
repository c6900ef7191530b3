package dirremote

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/checksum"
	"github.com/starford/jobtrail/internal/storage"
)

// DefaultQuiet is how long the directory must stay quiet before a burst of
// external changes is reported.
const DefaultQuiet = 200 * time.Millisecond

// Watch reports external changes to the record directory until ctx is
// cancelled. A burst of events is coalesced into one onChange call once the
// directory has been quiet for quiet. Echoes of the adapter's own writes
// are ignored.
func (r *Remote) Watch(ctx context.Context, quiet time.Duration, onChange func()) error {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, r.root); err != nil {
		return err
	}

	r.logger.Info("watcher: started", slog.String("root", r.root), slog.String("remote", r.name))

	var timer clockwork.Timer
	var fire <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = r.clock.NewTimer(quiet)
			fire = timer.Chan()
		} else {
			timer.Reset(quiet)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.logger.Info("watcher: stopped", slog.String("remote", r.name))
			return nil

		case <-fire:
			r.logger.Debug("watcher: external change", slog.String("remote", r.name))
			onChange()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						r.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					schedule()
					continue
				}
			}

			if ev.Op == fsnotify.Chmod {
				continue
			}
			collection, name, ok := r.fs.Locate(ev.Name)
			if !ok {
				continue
			}
			if r.own(storage.Key(collection, name), r.currentSum(collection, name)) {
				continue
			}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// currentSum is the checksum of a record file, "" once it is gone.
func (r *Remote) currentSum(collection, name string) string {
	data, err := r.fs.Read(collection, name)
	if errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	if err != nil {
		return "?"
	}
	return checksum.Sum(data)
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
