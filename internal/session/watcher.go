package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	credentialDebounce = 250 * time.Millisecond
	watchRetryBase     = 250 * time.Millisecond
	watchRetryMax      = 5 * time.Second
)

// WatchCredential calls onChange, debounced, whenever the credential file at
// path is written, created, renamed or removed. The parent directory is
// watched so editors that replace the file are seen too. A broken watcher is
// recreated with jittered backoff. WatchCredential blocks until ctx is done.
func WatchCredential(ctx context.Context, path string, logger zerolog.Logger, onChange func()) error {
	return watchCredential(ctx, path, credentialDebounce, logger, onChange)
}

func watchCredential(ctx context.Context, path string, debounce time.Duration, logger zerolog.Logger, onChange func()) error {
	log := logger.With().Str("component", "credential_watcher").Str("path", path).Logger()
	target := filepath.Clean(path)
	dir := filepath.Dir(target)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Msg("credential changed")
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = watchRetryBase
	retry.MaxInterval = watchRetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	wait := func(err error, msg string) bool {
		delay := retry.NextBackOff()
		log.Warn().Err(err).Str("dir", dir).Dur("retry_in", delay).Msg(msg)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !wait(err, "credential watch init failed") {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !wait(err, "credential watch add failed") {
				return nil
			}
			continue
		}

		retry.Reset()
		log.Debug().Msg("credential watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					schedule()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					log.Warn().Err(err).Msg("credential watcher error")
					// Events may have been dropped; treat it as a change.
					schedule()
				}
			}
		}
		_ = w.Close()
		if !wait(nil, "credential watcher stopped, recreating") {
			return nil
		}
	}
	return nil
}
