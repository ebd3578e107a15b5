package corpus

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the database file for writes by external corpus
// collaborators and invokes a callback after the writes quiet down.
// The engine uses the callback to run its auto-rebuild check.
type Watcher struct {
	fw       *fsnotify.Watcher
	base     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches the directory holding dbPath for changes to the
// database file (including its WAL sidecars). onChange fires once per
// burst of writes, after debounce of quiet.
func NewWatcher(dbPath string, debounce time.Duration, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:       fw,
		base:     filepath.Base(dbPath),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.matches(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.logger.Debug("corpus_changed", slog.String("file", w.base))
			w.onChange()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("corpus_watch_error", slog.String("error", err.Error()))

		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// matches reports whether an event path refers to the database file or
// one of its SQLite sidecars (-wal, -journal, -shm).
func (w *Watcher) matches(path string) bool {
	name := filepath.Base(path)
	return name == w.base || strings.HasPrefix(name, w.base+"-")
}

// Close stops watching. Idempotent.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.fw.Close()
}
