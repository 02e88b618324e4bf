// Package watch turns file system notifications for the shared directory
// into broadcast events.
package watch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/fileserve"
	"github.com/landrop/landrop/internal/logging"
)

// Watcher observes a directory tree and publishes file change events.
type Watcher struct {
	root        string
	fsw         *fsnotify.Watcher
	broadcaster *events.Broadcaster
}

// New creates a watcher rooted at dir, publishing into b.
func New(dir string, b *events.Broadcaster) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{root: dir, fsw: fsw, broadcaster: b}, nil
}

// Start registers the directory tree and begins the event loop. The loop
// exits when ctx is canceled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		w.fsw.Close()
		return err
	}

	go w.loop(ctx)
	return nil
}

// Close stops the watcher and releases its notification handles.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("file watch error", zap.Error(err))
		case <-ctx.Done():
			w.fsw.Close()
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if fileserve.IsTempName(name) {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op.Has(fsnotify.Create):
		// New subdirectories need their own watch registration.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				logging.Warn("watch new directory", zap.String("path", rel), zap.Error(err))
			}
			return
		}
		w.publish(events.EventFileCreated, rel)
	case ev.Op.Has(fsnotify.Write):
		w.publish(events.EventFileModified, rel)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.publish(events.EventFileDeleted, rel)
	}
}

func (w *Watcher) publish(eventType, rel string) {
	var size int64
	if info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel))); err == nil && !info.IsDir() {
		size = info.Size()
	}
	w.broadcaster.Publish(events.Event{Type: eventType, Path: rel, Size: size})
	logging.Debug("file event", zap.String("type", eventType), zap.String("path", rel))
}
