package tenant

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
)

// debounceWindow coalesces bursts of filesystem events into one sync.
const debounceWindow = 500 * time.Millisecond

// Watcher triggers a tenant sync whenever the companies directory changes.
type Watcher struct {
	dir    string
	syncer *Syncer
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the given companies directory.
func NewWatcher(dir string, syncer *Syncer, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{dir: dir, syncer: syncer, logger: logger}
}

// Start begins watching. An initial sync runs immediately.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create filesystem watcher")
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return errors.Wrapf(err, "failed to watch %s", w.dir)
	}

	if _, err := w.syncer.Sync(ctx); err != nil {
		w.logger.Warnw("Initial tenant sync failed", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		w.loop(ctx, fsw)
	}()

	w.logger.Infow("Tenant config watcher started", "dir", w.dir)
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(filepath.Base(event.Name), ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Filesystem watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			if result, err := w.syncer.Sync(ctx); err != nil {
				w.logger.Errorw("Tenant sync failed", "error", err)
			} else if result.Changed > 0 || result.Deactivated > 0 {
				w.logger.Infow("Tenant configs synced",
					"changed", result.Changed,
					"deactivated", result.Deactivated,
				)
			}
		}
	}
}
