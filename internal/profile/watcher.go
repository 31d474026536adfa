package profile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/logging"
)

// Watcher invalidates Loader cache entries when profile files change.
// Sessions that already hold a profile keep their snapshot.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *logging.Logger
	stop    chan struct{}
	done    chan struct{}

	// OnChange, when set, is called with the profile name after invalidation.
	OnChange func(name string)
}

// NewWatcher creates a watcher over the loader's directory.
func NewWatcher(loader *Loader, logger *logging.Logger) (*Watcher, error) {
	if loader.Dir() == "" {
		return nil, fmt.Errorf("profile watcher: loader has no directory")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating profile watcher: %w", err)
	}
	return &Watcher{
		loader:  loader,
		watcher: w,
		logger:  logger.Named("profile.watcher"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.loader.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", w.loader.Dir(), err)
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name, ok := profileNameFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}
			w.loader.Invalidate(name)
			w.logger.Debug(ctx, "profile invalidated",
				zap.String("profile", name),
				zap.String("op", event.Op.String()))
			if w.OnChange != nil {
				w.OnChange(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "profile watcher error", zap.Error(err))
		}
	}
}
