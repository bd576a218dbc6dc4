package syncstore

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher notices another process rewriting a cache file and hands
// the affected key to onChange, which typically invalidates the store
// snapshot and kicks the same refresh path a remote change event would.
// The store skips persisting byte-identical blobs, so a watcher-driven
// refresh does not feed back into itself.
type CacheWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(key string)

	closeOnce sync.Once
	done      chan struct{}
}

func WatchCacheDir(dir string, logger *slog.Logger, onChange func(key string)) (*CacheWatcher, error) {
	if strings.TrimSpace(dir) == "" || onChange == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &CacheWatcher{
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *CacheWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := event.Name
			idx := strings.LastIndexByte(name, '/')
			if idx >= 0 {
				name = name[idx+1:]
			}
			if !strings.HasSuffix(name, cacheFileSuffix) {
				continue
			}
			w.onChange(strings.TrimSuffix(name, cacheFileSuffix))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("cache watcher error", "error", err)
		}
	}
}

func (w *CacheWatcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
