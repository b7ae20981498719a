// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sink receives a changed dataset path. It must not block; the engine's
// EnqueueDatasetEvent returns a BackpressureDrop error instead.
type Sink func(path string) error

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is the quiet period before changed paths are delivered.
	// Default: 200ms
	Debounce time.Duration

	// IgnorePatterns are base-name globs to skip.
	// Default: [".*", "*.swp", "*.tmp", "*~"]
	IgnorePatterns []string

	// Logger receives watch errors and dropped deliveries.
	Logger *slog.Logger
}

// DefaultWatcherOptions returns the defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		Debounce:       200 * time.Millisecond,
		IgnorePatterns: []string{".*", "*.swp", "*.tmp", "*~"},
		Logger:         slog.Default(),
	}
}

// Watcher watches a datasets directory and delivers changed file paths.
//
// # Description
//
// Events are collected into a set and delivered, one Sink call per path in
// sorted order, once Debounce passes without further events. Removals are
// not delivered; a removed dataset simply disappears from the next Scan.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. Sink is called from a single
// goroutine.
type Watcher struct {
	root     string
	sink     Sink
	opts     WatcherOptions
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for root. Call Start to begin.
func NewWatcher(root string, sink Sink, opts *WatcherOptions) (*Watcher, error) {
	if sink == nil {
		return nil, errors.New("dataset watcher needs a sink")
	}
	o := DefaultWatcherOptions()
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.IgnorePatterns != nil {
			o.IgnorePatterns = opts.IgnorePatterns
		}
		if opts.Logger != nil {
			o.Logger = opts.Logger
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		sink:    sink,
		opts:    o,
		logger:  o.Logger.With(slog.String("component", "dataset_watcher")),
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start creates root if needed, watches it recursively and begins delivery.
// Delivery stops when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := os.MkdirAll(w.root, 0750); err != nil {
		return err
	}
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.watching = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the delivery goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
	w.mu.Lock()
	w.watching = false
	w.mu.Unlock()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		slices.Sort(paths)
		for _, p := range paths {
			if err := w.sink(p); err != nil {
				w.logger.Warn("dataset event not delivered",
					slog.String("path", p),
					slog.String("error", err.Error()))
			}
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.opts.Debounce)
			timerC = timer.C

		case <-timerC:
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}
