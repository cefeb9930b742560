package streamer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/presto/engine/core"
)

// watcher invalidates cached assets when their backing file changes on
// disk, so edits show up on the next request without restarting. It is a
// development aid and is only started when Config.WatchAssets is set.
type watcher struct {
	streamer *Streamer
	basePath string
	// location (relative to basePath) → asset id
	byLocation map[string]string

	fsnotify *fsnotify.Watcher
	done     chan struct{}
}

func newWatcher(s *Streamer, basePath string) (*watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		streamer:   s,
		basePath:   filepath.Clean(basePath),
		byLocation: make(map[string]string),
		fsnotify:   fsWatch,
		done:       make(chan struct{}),
	}

	for _, entry := range s.store.Assets() {
		w.byLocation[filepath.Clean(entry.Location)] = entry.ID
		if entry.AltLocation != "" {
			w.byLocation[filepath.Clean(entry.AltLocation)] = entry.ID
		}
	}

	go w.start()

	if err := w.watchRecursive(w.basePath); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) start() {
	for {
		select {
		case e := <-w.fsnotify.Events:
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					w.watchRecursive(e.Name)
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleFileEvent(e.Name)
			}

		case err := <-w.fsnotify.Errors:
			if err != nil {
				core.LogError("asset watcher: %s", err.Error())
			}

		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list.
func (w *watcher) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if err := w.fsnotify.Add(walkPath); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *watcher) handleFileEvent(path string) {
	rel, err := filepath.Rel(w.basePath, filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	id, ok := w.byLocation[rel]
	if !ok {
		return
	}
	if w.streamer.cache.invalidate(id) {
		core.LogDebug("asset '%s' changed on disk, cached copy dropped", id)
	} else {
		core.LogWarn("asset '%s' changed on disk but is in use; reload after the owning level unloads", id)
	}
}

func (w *watcher) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
