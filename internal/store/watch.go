package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// fileWatch marks a backing detached once its file is removed or renamed.
// It watches the parent directory, since a watch on the file itself ends
// with the inode.
type fileWatch struct {
	path     string
	detached atomic.Bool
	stop     context.CancelFunc
	done     chan struct{}
}

func watchFile(path string, logger *slog.Logger) (*fileWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	fw := &fileWatch{path: path, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(fw.done)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != fw.path {
					continue
				}
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					if !fw.detached.Swap(true) {
						logger.Warn("store file removed, further commits will fail", "path", fw.path, "op", event.Op.String())
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("error watching store file", "path", fw.path, "err", err)
			}
		}
	}()
	return fw, nil
}

// Detached reports whether the file was removed or renamed.
func (fw *fileWatch) Detached() bool {
	return fw.detached.Load()
}

func (fw *fileWatch) Close() {
	fw.stop()
	<-fw.done
}
