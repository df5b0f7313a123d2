package resource

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ckzm/orchard/pkg/models"
)

// Change reports an external modification to a resource under the watched
// root while the orchestrator is running. Consumers typically surface these
// as warnings: an external edit racing a worker is a conflict in the making.
type Change struct {
	Resource models.ResourceID
	Op       string
}

// Watcher watches a provider root for external modifications.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	changes chan Change
}

// NewWatcher creates a watcher over the given root directory and all of its
// subdirectories.
func NewWatcher(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// fsnotify watches are not recursive; register every directory.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		root:    root,
		watcher: fw,
		changes: make(chan Change, 64),
	}, nil
}

// Changes returns the channel of observed modifications.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Run translates filesystem events into resource changes until the context
// is done. New directories are added to the watch set as they appear.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.watcher.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			change := Change{
				Resource: models.ResourceID(filepath.ToSlash(rel)),
				Op:       ev.Op.String(),
			}
			select {
			case w.changes <- change:
			default:
				// Consumer is behind; drop rather than block the loop.
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
