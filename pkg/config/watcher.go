// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of writes from editors into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a config file, or a directory of overlay files, and
// triggers a full config reload with debouncing.
type Watcher struct {
	path     string
	isDir    bool
	onChange func(*Config, string)
	logger   *zap.Logger
	clock    clockwork.Clock
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
}

// NewWatcher creates a config watcher for a file or a directory.
// onChange is called with the reloaded config and the name of the changed file.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes. A single file is watched through its
// parent directory so that editors replacing the file are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	w.isDir = info.IsDir()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	dir := w.path
	if !w.isDir {
		dir = filepath.Dir(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path), zap.Bool("dir", w.isDir))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// relevant reports whether a change to name should trigger a reload.
func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if !w.isDir {
		return base == filepath.Base(w.path)
	}
	for _, f := range DirFiles {
		if base == f {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer clockwork.Timer
	var lastFile string

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

			lastFile = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile))

			// Debounce: reset timer on each event
			stopTimer()
			changed := lastFile
			debounceTimer = w.clock.AfterFunc(w.debounce, func() {
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
	if w.isDir {
		cfg, err = LoadDir(w.path)
	} else {
		cfg, err = Load(w.path)
	}
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
