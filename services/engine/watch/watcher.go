// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports saved Dockerfiles so they can be re-analyzed.
//
// Directories are watched rather than files because editors commonly save
// by writing a temporary file and renaming it over the original, which
// drops a watch on the file itself. Events are batched over a debounce
// window and deduplicated per path.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one file change after debouncing.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives a debounced batch. Each path appears once, with its
// latest operation.
type Handler func(changes []Change)

// Options tunes a Watcher.
type Options struct {
	// Debounce is the quiet period before a batch is delivered.
	// Default: 200ms
	Debounce time.Duration

	// Patterns select file names to report (filepath.Match syntax,
	// matched case-insensitively against the base name).
	Patterns []string

	// Ignore names directories that are not descended into.
	Ignore []string

	// BufferSize bounds undelivered events. Extra events are dropped.
	// Default: 1000
	BufferSize int
}

// DefaultOptions returns options matching common Dockerfile names.
func DefaultOptions() Options {
	return Options{
		Debounce:   200 * time.Millisecond,
		Patterns:   []string{"dockerfile", "dockerfile.*", "*.dockerfile", "containerfile"},
		Ignore:     []string{".git", "node_modules", ".idea", "vendor"},
		BufferSize: 1000,
	}
}

// Watcher watches directory trees for Dockerfile changes.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Watcher struct {
	watcher  *fsnotify.Watcher
	handler  Handler
	opts     Options
	files    map[string]bool
	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
}

// New creates a watcher. Call Add for each root, then Start.
func New(handler Handler, opts Options) (*Watcher, error) {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = def.Patterns
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &Watcher{
		watcher: fw,
		handler: handler,
		opts:    opts,
		files:   make(map[string]bool),
		changes: make(chan Change, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Add watches path. A directory is watched recursively; a file is watched
// through its parent directory and always reported, whatever its name.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	if !info.IsDir() {
		w.mu.Lock()
		w.files[abs] = true
		w.mu.Unlock()
		return w.watcher.Add(filepath.Dir(abs))
	}
	return w.addRecursive(abs)
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Start begins delivering batches until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return
	}
	w.watching = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
}

// Stop ends watching and waits for the delivery goroutines. A pending
// batch is flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Matches reports whether a path would be reported.
func (w *Watcher) Matches(path string) bool {
	w.mu.Lock()
	explicit := w.files[path]
	w.mu.Unlock()
	if explicit {
		return true
	}
	base := strings.ToLower(filepath.Base(path))
	for _, pattern := range w.opts.Patterns {
		if ok, _ := filepath.Match(strings.ToLower(pattern), base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) ignored(name string) bool {
	for _, pattern := range w.opts.Ignore {
		if name == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.ignored(filepath.Base(event.Name)) {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.Matches(event.Name) {
				continue
			}

			select {
			case w.changes <- Change{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}:
			default:
				slog.Warn("Watch buffer full, dropping event", slog.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			if deduped := dedupe(batch); len(deduped) > 0 && w.handler != nil {
				w.handler(deduped)
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the latest change per path, in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int)
	result := make([]Change, 0, len(changes))
	for _, c := range changes {
		if idx, ok := seen[c.Path]; ok {
			result[idx] = c
			continue
		}
		seen[c.Path] = len(result)
		result = append(result, c)
	}
	return result
}
