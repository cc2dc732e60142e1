package sandboxproc

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/bundle"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// PluginLoader reads a bundle's entry point source off disk, ready to
// hand to a Runtime.
type PluginLoader struct {
	logger *zap.Logger
}

func NewPluginLoader(logger *zap.Logger) *PluginLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PluginLoader{logger: logger}
}

// LoadEntryPoint reads the first entry point named in b's manifest and
// returns its source bytes.
func (l *PluginLoader) LoadEntryPoint(b *bundle.Bundle) ([]byte, error) {
	if len(b.Manifest.EntryPoints) == 0 {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "bundle declares no entry points")
	}
	path := filepath.Join(b.RootDir, b.Manifest.EntryPoints[0])
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sandboxerr.New(sandboxerr.NotFound, "entry point file missing")
		}
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "read entry point", err)
	}
	return data, nil
}

// FlowReloadWatcher watches a bundle's flows/ and ui/ directories for
// changes in development and invokes onChange with the changed path.
// This is a development convenience only — production loads are
// snapshotted once at handshake time and never hot-reloaded.
type FlowReloadWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// WatchBundle starts watching b's flows/ and ui/ subdirectories, if they
// exist, calling onChange for every write/create event observed.
func WatchBundle(b *bundle.Bundle, logger *zap.Logger, onChange func(path string)) (*FlowReloadWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "create fsnotify watcher", err)
	}

	for _, sub := range []string{"flows", "ui"} {
		dir := filepath.Join(b.RootDir, sub)
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			if addErr := w.Add(dir); addErr != nil {
				w.Close()
				return nil, sandboxerr.Wrap(sandboxerr.Internal, "watch bundle directory", addErr)
			}
		}
	}

	fw := &FlowReloadWatcher{watcher: w, logger: logger, done: make(chan struct{})}
	go fw.run(onChange)
	return fw, nil
}

func (fw *FlowReloadWatcher) run(onChange func(path string)) {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && onChange != nil {
				onChange(event.Name)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("bundle watcher error", zap.Error(err))
		case <-fw.done:
			return
		}
	}
}

// Close stops the watcher.
func (fw *FlowReloadWatcher) Close() error {
	close(fw.done)
	return fw.watcher.Close()
}
