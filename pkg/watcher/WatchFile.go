package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchFile watches path for changes and invokes handler after a 100ms
// debounce window, so a burst of writes to the same file (e.g. an editor's
// save-then-rename) triggers one reload instead of several. After each
// invocation the watch is removed and re-added, since a rename changes the
// file's inode and a stale watch would otherwise go silent.
//
// Used by cmd/servient/main.go to reload the Things folder on change. The
// returned watcher must be closed by the caller when done.
func WatchFile(path string, handler func() error) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	callbackTimer := time.AfterFunc(0, func() {
		if err := handler(); err != nil {
			logrus.Warnf("watcher: handler for %q failed: %s", path, err)
		}
		watcher.Remove(path)
		watcher.Add(path)
	})
	callbackTimer.Stop() // armed only once the watch below succeeds

	if err := watcher.Add(path); err != nil {
		logrus.Errorf("watcher: unable to watch %q: %s", path, err)
		return watcher, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				logrus.Debugf("watcher: %s changed (%s)", event.Name, event.Op)
				callbackTimer.Reset(100 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Errorf("watcher: %s", err)
			}
		}
	}()
	return watcher, nil
}
