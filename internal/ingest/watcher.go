package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before it is ingested.
const DefaultDebounce = 500 * time.Millisecond

// Watcher ingests files that appear in the documents directory. Each path
// is ingested at most once per process; later writes to it are ignored
// because the index has no way to replace earlier chunks.
type Watcher struct {
	svc      *Service
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	seen map[string]struct{}
}

// NewWatcher starts watching the service's documents directory. Events are
// buffered by fsnotify until Run is called.
func NewWatcher(svc *Service, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(svc.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		svc:      svc,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}, nil
}

// Run processes events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	done := make(chan struct{})
	defer close(done)

	ready := make(chan string)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	w.logger.Info("watching documents directory", zap.String("dir", w.svc.Dir()))
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.watched(ev.Name) {
				continue
			}
			if t, ok := pending[ev.Name]; ok {
				t.Reset(w.debounce)
				continue
			}
			name := ev.Name
			pending[name] = time.AfterFunc(w.debounce, func() {
				select {
				case ready <- name:
				case <-done:
				}
			})

		case name := <-ready:
			delete(pending, name)
			w.handle(ctx, name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) watched(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.svc.loader.Supports(filepath.Ext(base))
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if _, ok := w.seen[path]; ok {
		return
	}
	if w.svc.takeRecent(path) {
		w.seen[path] = struct{}{}
		w.logger.Debug("skipping uploaded file", zap.String("path", path))
		return
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil || !info.Mode().IsRegular() {
		w.logger.Debug("skipping watched path", zap.String("path", path), zap.Error(err))
		return
	}

	w.seen[path] = struct{}{}
	if _, err := w.svc.IngestFile(ctx, path); err != nil {
		// Let the next write retry.
		delete(w.seen, path)
		w.logger.Warn("watched file ingestion failed", zap.String("path", path), zap.Error(err))
	}
}
