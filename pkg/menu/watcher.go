package menu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LoadCatalogFile loads the catalog at path into store
func LoadCatalogFile(ctx context.Context, store Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open menu catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(ctx, store, f)
}

// CatalogWatcher reloads a catalog file whenever it is written or replaced. The
// parent directory is watched so a file swapped in by rename is still seen.
type CatalogWatcher struct {
	store   Store
	path    string
	watcher *fsnotify.Watcher
	log     logrus.FieldLogger
}

// NewCatalogWatcher starts watching the directory holding path
func NewCatalogWatcher(store Store, path string, log logrus.FieldLogger) (*CatalogWatcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve menu catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &CatalogWatcher{
		store:   store,
		path:    abs,
		watcher: watcher,
		log:     log.WithField("catalog", abs),
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed. A catalog
// that fails to load is logged and the previously loaded nodes stay in place.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != w.path {
				continue
			}
			n, err := LoadCatalogFile(ctx, w.store, w.path)
			if err != nil {
				w.log.WithError(err).Warn("Failed to reload menu catalog")
				continue
			}
			w.log.WithField("nodes", n).Info("Reloaded menu catalog")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Menu catalog watcher error")
		}
	}
}

// Close stops the watcher; Run returns once its event channel drains
func (w *CatalogWatcher) Close() error {
	return w.watcher.Close()
}
