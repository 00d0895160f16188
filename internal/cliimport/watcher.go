package cliimport

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports session-log changes under a set of directories. Change
// bursts for one file are coalesced into a single notification.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	changes   chan string
	done      chan struct{}
	closeOnce sync.Once
	delay     time.Duration

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

func NewWatcher(debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		fsWatcher: fsWatcher,
		changes:   make(chan string, 100),
		done:      make(chan struct{}),
		delay:     debounce,
		debounce:  make(map[string]*time.Timer),
	}
	go w.processEvents()
	return w, nil
}

// Changes returns the channel of changed session-log paths.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// WatchDir starts watching a directory for session-log changes.
func (w *Watcher) WatchDir(dir string) error {
	return w.fsWatcher.Add(dir)
}

func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.fsWatcher.Close()
	})
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("cliimport: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Rename matters too: atomic writes (write tmp, rename onto target)
	// surface as Rename on the target file.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Ext(event.Name) != ".jsonl" {
		return
	}
	w.debounceEvent(event.Name)
}

func (w *Watcher) debounceEvent(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}
	w.debounce[path] = time.AfterFunc(w.delay, func() {
		w.debounceMu.Lock()
		delete(w.debounce, path)
		w.debounceMu.Unlock()

		select {
		case w.changes <- path:
		case <-w.done:
		}
	})
}
