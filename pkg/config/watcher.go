// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a config file or directory and reloads the merged config
// after YAML changes settle.
type Watcher struct {
	path     string
	dir      string
	file     string // empty in directory mode
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for path, a config file or a directory in the
// LoadDir layout. onChange is called with the reloaded config and the name of
// the file that triggered the reload.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		path:     path,
		dir:      path,
		onChange: onChange,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		// Watch the parent: editors replace files instead of writing in place.
		w.dir = filepath.Dir(path)
		w.file = filepath.Base(path)
	}
	return w
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// relevant reports whether a change to name should trigger a reload.
func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if w.file != "" {
		return base == w.file
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	stopTimer := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			changed := filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", changed))

			stopTimer()
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(changed)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		cfg *Config
		err error
	)
	if w.file != "" {
		cfg, err = Load(w.path)
	} else {
		cfg, err = LoadDir(w.dir)
	}
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
