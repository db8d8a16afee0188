package skills

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/pkg/errors"
)

// Watch reloads the library whenever the skills directory changes. Bursts
// of events within debounce trigger a single reload, after which onReload
// (if set) receives the parse errors of that load. Watching stops when ctx
// is cancelled.
func (l *Library) Watch(ctx context.Context, debounce time.Duration, onReload func([]*ParseError)) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create skills directory %s", l.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	if err := l.addWatches(watcher); err != nil {
		watcher.Close()
		return err
	}

	go l.watchLoop(ctx, watcher, debounce, onReload)
	return nil
}

// addWatches registers the skills directory and every skill directory;
// fsnotify does not recurse.
func (l *Library) addWatches(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(l.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", l.dir)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read skills directory %s", l.dir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = watcher.Add(filepath.Join(l.dir, entry.Name()))
	}
	return nil
}

func (l *Library) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration, onReload func([]*ParseError)) {
	defer watcher.Close()
	log := logger.G(ctx).WithField("dir", l.dir)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("skills watcher error")

		case <-fire:
			fire = nil
			parseErrs, err := l.Load(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to reload skills")
				continue
			}
			if err := l.addWatches(watcher); err != nil {
				log.WithError(err).Debug("failed to refresh skill watches")
			}
			log.Debug("reloaded skills after change")
			if onReload != nil {
				onReload(parseErrs)
			}
		}
	}
}
