package crisis

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// LexiconWatcher reloads a YAML lexicon into a Detector when the file changes.
// A file that fails to parse leaves the previous lexicon active.
type LexiconWatcher struct {
	path     string
	detector *Detector
	logger   *logging.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	reloads int
	errors  int
}

// NewLexiconWatcher loads path into detector and prepares to watch it.
func NewLexiconWatcher(path string, detector *Detector, logger *logging.Logger) (*LexiconWatcher, error) {
	if detector == nil {
		panic("crisis: detector cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	lex, err := LoadLexicon(path)
	if err != nil {
		return nil, err
	}
	detector.SetLexicon(lex)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("crisis: create watcher: %w", err)
	}
	return &LexiconWatcher{
		path:     filepath.Clean(path),
		detector: detector,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		watcher:  w,
		stop:     make(chan struct{}),
	}, nil
}

// Start watches the lexicon's directory; editors often replace files instead
// of writing in place.
func (lw *LexiconWatcher) Start(ctx context.Context) error {
	if err := lw.watcher.Add(filepath.Dir(lw.path)); err != nil {
		return fmt.Errorf("crisis: watch %s: %w", lw.path, err)
	}
	lw.wg.Add(1)
	go lw.run(ctx)
	lw.logger.Info("crisis lexicon watcher started", "path", lw.path)
	return nil
}

// Stop ends the watch loop and releases the watcher.
func (lw *LexiconWatcher) Stop() {
	lw.once.Do(func() {
		close(lw.stop)
		lw.wg.Wait()
		if err := lw.watcher.Close(); err != nil {
			lw.logger.Warn("crisis lexicon watcher close failed", "error", err)
		}
	})
}

// Stats returns reload and error counts.
func (lw *LexiconWatcher) Stats() (reloads, errs int) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.reloads, lw.errors
}

func (lw *LexiconWatcher) run(ctx context.Context) {
	defer lw.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lw.stop:
			return
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != lw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(lw.debounce)
			} else {
				timer.Reset(lw.debounce)
			}
			pending = timer.C
		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			lw.logger.Warn("crisis lexicon watcher error", "error", err)
		case <-pending:
			pending = nil
			lw.reload()
		}
	}
}

func (lw *LexiconWatcher) reload() {
	lex, err := LoadLexicon(lw.path)
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err != nil {
		lw.errors++
		lw.logger.Error("crisis lexicon reload failed, keeping previous", "path", lw.path, "error", err)
		return
	}
	lw.reloads++
	lw.detector.SetLexicon(lex)
}
