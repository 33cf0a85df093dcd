package core

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchLabels starts a background watcher that reloads a block from disk
// whenever a "<label>.json" file is created or written under the store's
// directory, picking up administratively-added core memory labels without
// a restart. The watcher runs until stop is closed.
func (s *Store) WatchLabels(logger *slog.Logger, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
					continue
				}
				if err := s.reload(event.Name); err != nil {
					logger.Warn("core memory: failed to reload block", "path", event.Name, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("core memory: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reload re-reads a single block file, adding a previously-unknown label
// rather than only refreshing an existing one. Edit's write path already
// keeps s.blocks in sync for changes it makes itself; reload exists for
// changes made by something other than Edit, e.g. an operator dropping in a
// new label file by hand.
func (s *Store) reload(path string) error {
	label := strings.TrimSuffix(strings.TrimSuffix(path, ".json"), "/")
	if idx := strings.LastIndexByte(label, '/'); idx >= 0 {
		label = label[idx+1:]
	}

	reopened, err := Open(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := reopened.blocks[label]; ok {
		s.blocks[label] = b
	}
	return nil
}
