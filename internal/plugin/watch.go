package plugin

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "hikaribot/pkg/logx"
)

// Watcher reports manifest changes in a directory. It only notifies; callers
// debounce and reload.
type Watcher struct {
	Dir      string
	OnChange func(name string, op fsnotify.Op)
	Log      logx.Logger
}

const (
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Run blocks until ctx is done. A broken fsnotify watcher is recreated with
// jittered backoff.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	backoff := watchBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("plugin watch init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		if err := fw.Add(w.Dir); err != nil {
			_ = fw.Close()
			log.Warn("plugin watch add failed", logx.String("dir", w.Dir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		backoff = watchBackoffBase
		log.Info("watching plugin manifests", logx.String("dir", w.Dir))

		broken := w.loop(ctx, fw, log)
		_ = fw.Close()
		if !broken {
			return nil
		}
		log.Warn("plugin watcher stopped; restarting", logx.String("dir", w.Dir))
		if !sleep() {
			return nil
		}
	}
	return nil
}

// loop returns true when the watcher broke and should be recreated.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, log logx.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-fw.Events:
			if !ok {
				return true
			}
			if !IsManifestFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			log.Info("plugin change detected", logx.String("file", ev.Name), logx.String("op", ev.Op.String()))
			if w.OnChange != nil {
				w.OnChange(ev.Name, ev.Op)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("plugin watch overflow; forcing reload", logx.Err(err))
				if w.OnChange != nil {
					w.OnChange("", 0)
				}
				continue
			}
			log.Warn("plugin watch error", logx.Err(err))
			if errors.Is(err, fsnotify.ErrClosed) {
				return true
			}
		}
	}
}
