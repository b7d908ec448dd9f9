package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/utils"
)

// A Watcher is responsible for watching for changes to a config from some source and
// delivering those changes to some destination.
type Watcher interface {
	Config() <-chan *Config
	Close() error
}

type fsConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	current   *Config
	configCh  chan *Config
	workers   *utils.StoppableWorkers
	logger    logging.Logger
}

// NewFSWatcher returns a new file system watcher that re-reads the config at path whenever its
// file is written or replaced. Only valid configs that differ from the last one are delivered.
// initial is the config already read from path and may be nil.
func NewFSWatcher(path string, initial *Config, logger logging.Logger) (Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace files instead of writing them, which removes a watch on the file
	// itself. Watching the directory survives that.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(multierr.Combine(err, fsWatcher.Close()), "failed to watch %q", path)
	}
	w := &fsConfigWatcher{
		fsWatcher: fsWatcher,
		path:      filepath.Clean(path),
		current:   initial,
		configCh:  make(chan *Config),
		logger:    logger,
	}
	w.workers = utils.NewStoppableWorkers(w.watch)
	return w, nil
}

func (w *fsConfigWatcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			newConfig, err := Read(w.path, w.logger)
			if err != nil {
				w.logger.Errorw("failed to read config after change", "path", w.path, "error", err)
				continue
			}
			if cmp.Equal(newConfig, w.current) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case w.configCh <- newConfig:
				w.current = newConfig
			}
		}
	}
}

func (w *fsConfigWatcher) Config() <-chan *Config {
	return w.configCh
}

func (w *fsConfigWatcher) Close() error {
	w.workers.Stop()
	return w.fsWatcher.Close()
}
