package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it or any file it includes changes on
// disk. Only settings that can change at runtime are applied by callers;
// the rest need a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. onChange receives each config that
// loads and validates; broken edits are logged and skipped.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "config.watcher"),
		debounce: defaultWatchDebounce,
	}
}

// Start begins watching. Parent directories are watched rather than files
// so editors that replace a file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("config watcher already started")
	}
	files := []string{w.path}
	if _, loaded, err := loadRawFiles(w.path); err == nil {
		files = loaded
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ws := &watchSet{watcher: watcher, files: map[string]bool{}, dirs: map[string]bool{}}
	if err := ws.update(files); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, ws)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher, cancel := w.watcher, w.cancel
	w.watcher, w.cancel = nil, nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, ws *watchSet) {
	defer w.wg.Done()

	reloads := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ws.watcher.Events:
			if !ok {
				return
			}
			if !ws.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case <-reloads:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
				continue
			}
			if err := ws.update(cfg.Sources()); err != nil {
				w.logger.Warn("config watch update failed", "error", err)
			}
			w.logger.Info("config reloaded", "path", w.path, "files", len(cfg.Sources()))
			w.onChange(cfg)
		case err, ok := <-ws.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// watchSet tracks the files that trigger a reload and the directories
// watched for them. It is only touched by the loop goroutine after Start.
type watchSet struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
}

func (s *watchSet) update(files []string) error {
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		s.files[abs] = true
		dir := filepath.Dir(abs)
		if s.dirs[dir] {
			continue
		}
		if err := s.watcher.Add(dir); err != nil {
			return err
		}
		s.dirs[dir] = true
	}
	return nil
}
