// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lintbridge/services/engine/watch"
	"github.com/AleutianAI/lintbridge/services/engine/workspace"
)

// tracker maps watched files to workspace documents and bumps versions on
// every reload.
type tracker struct {
	ws *workspace.Workspace

	mu       sync.Mutex
	versions map[string]int
	paths    map[string]string
}

func newTracker(ws *workspace.Workspace) *tracker {
	return &tracker{
		ws:       ws,
		versions: make(map[string]int),
		paths:    make(map[string]string),
	}
}

// load reads path into the workspace as a new version and returns its URI.
func (t *tracker) load(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	uri, err := fileURI(path)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.versions[uri]++
	version := t.versions[uri]
	t.paths[uri] = path
	t.mu.Unlock()

	if _, err := t.ws.Change(uri, version, string(content)); err != nil {
		t.ws.Open(uri, version, string(content))
	}
	return uri, nil
}

func (t *tracker) forget(path string) {
	uri, err := fileURI(path)
	if err != nil {
		return
	}
	t.ws.Close(uri)
}

func (t *tracker) path(uri string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.paths[uri]; ok {
		return p
	}
	return uri
}

// analyze loads and analyzes paths, at most limit at a time. Failures are
// already notified by the workspace and are only logged here.
func (t *tracker) analyze(ctx context.Context, paths []string, limit int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, path := range paths {
		g.Go(func() error {
			uri, err := t.load(path)
			if err != nil {
				slog.Warn("Skipping file", slog.String("path", path), slog.String("error", err.Error()))
				return nil
			}
			if _, err := t.ws.Analyze(gctx, uri); err != nil {
				slog.Debug("Analysis failed", slog.String("path", path), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// handle applies one debounced batch of file changes.
func (t *tracker) handle(ctx context.Context, changes []watch.Change) {
	var reload []string
	for _, c := range changes {
		switch c.Op {
		case watch.OpRemove, watch.OpRename:
			t.forget(c.Path)
		default:
			reload = append(reload, c.Path)
		}
	}
	if len(reload) > 0 {
		t.analyze(ctx, reload, 4)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	logCommandStart(cmd.Name(), args)
	ctx := cmd.Context()

	debounce, err := time.ParseDuration(debounceFlag)
	if err != nil {
		return &exitError{code: exitFatal, err: fmt.Errorf("invalid --debounce: %w", err)}
	}
	r, err := newRenderer(cmd.OutOrStdout(), outputFormat)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	inv := current.invoker()
	if _, err := inv.Executable(); err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	ws, store := current.newWorkspace(workspace.WithAnalyzer(inv))
	t := newTracker(ws)

	opts := watch.DefaultOptions()
	opts.Debounce = debounce
	w, err := watch.New(func(changes []watch.Change) { t.handle(ctx, changes) }, opts)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	for _, path := range args {
		if err := w.Add(path); err != nil {
			return &exitError{code: exitFatal, err: err}
		}
	}

	events, cancel := store.Subscribe(256)
	defer cancel()

	if withStatus {
		current.serveStatus(ctx, ws, store)
	}

	w.Start(ctx)
	defer w.Stop()

	initial, err := initialFiles(w, args)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	slog.Info("Watching for Dockerfile changes",
		slog.Int("roots", len(args)),
		slog.Int("files", len(initial)),
		slog.Duration("debounce", debounce),
	)
	go t.analyze(ctx, initial, 4)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := r.event(t.path(ev.URI), ev); err != nil {
				return &exitError{code: exitFatal, err: err}
			}
		}
	}
}

// initialFiles lists the files under roots that the watcher would report.
func initialFiles(w *watch.Watcher, roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != abs && isIgnoredDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.Matches(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isIgnoredDir(name string) bool {
	for _, ignored := range watch.DefaultOptions().Ignore {
		if name == ignored {
			return true
		}
	}
	return false
}
