package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-loads the config file when it changes on disk and hands the
// parsed result to a callback. Only the hot-applicable subset (log level,
// cache tuning) should be acted on by callers; connection-level changes
// require a restart.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(*Config)
	log      *zap.Logger
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine and
// must return quickly. Stop with Close.
func Watch(path string, log *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which drops
	// watches registered on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fsw:      fsw,
		onChange: onChange,
		log:      log,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			w.log.Info("config reloaded", zap.String("path", w.path))
			w.onChange(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
