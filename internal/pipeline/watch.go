package pipeline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls notify whenever a manifest in the output directory is created,
// written or renamed into place. It only shortens the time to readiness; the
// supervisor still polls on its own interval.
type Watcher struct {
	w      *fsnotify.Watcher
	log    *slog.Logger
	notify func()
	done   chan struct{}
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, log *slog.Logger, notify func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	watcher := &Watcher{w: w, log: log, notify: notify, done: make(chan struct{})}
	go watcher.loop()
	return watcher, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".m3u8") {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.notify()
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Debug("output watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
