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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lintbridge/services/engine/lsp"
	"github.com/AleutianAI/lintbridge/services/engine/workspace"
)

// errEngineGone ends the session command when the engine dies.
var errEngineGone = errors.New("engine session ended")

func runSession(cmd *cobra.Command, args []string) error {
	logCommandStart(cmd.Name(), args)
	ctx := cmd.Context()

	r, err := newRenderer(cmd.OutOrStdout(), outputFormat)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	inv := current.invoker()
	exe, err := inv.Executable()
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	monitor := newSessionMonitor()
	ws, store := current.newWorkspace(
		workspace.WithAnalyzer(inv),
		workspace.WithSessionFactory(workspace.SessionFactoryFor(current.cfg.SessionFor(exe))),
		workspace.WithStateObserver(monitor.observe),
	)

	paths := make(map[string]string, len(args))
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return &exitError{code: exitFatal, err: fmt.Errorf("reading %s: %w", path, err)}
		}
		uri, err := fileURI(path)
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		paths[uri] = path
		ws.Open(uri, 1, string(content))
	}

	events, cancel := store.Subscribe(64)
	defer cancel()

	if withStatus {
		current.serveStatus(ctx, ws, store)
	}

	if err := ws.Activate(ctx); err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*current.cfg.Session.ShutdownTimeout+time.Second)
		defer stop()
		if err := ws.Deactivate(stopCtx); err != nil {
			slog.Warn("Engine session did not stop cleanly", slog.String("error", err.Error()))
		}
	}()

	sess := ws.Session()
	slog.Info("Engine session connected",
		slog.String("session_id", sess.ID()),
		slog.Int("port", sess.Port()),
		slog.Int("documents", len(args)),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-monitor.lost:
			return sessionEnded(sess)
		case <-sess.Exited():
			return sessionEnded(sess)
		case ev := <-events:
			path, ok := paths[ev.URI]
			if !ok {
				path = ev.URI
			}
			if err := r.event(path, ev); err != nil {
				return &exitError{code: exitFatal, err: err}
			}
		}
	}
}

func sessionEnded(sess *lsp.Session) error {
	err := sess.Err()
	if err == nil {
		err = errEngineGone
	}
	return &exitError{code: exitFatal, err: err}
}

// sessionMonitor logs session state changes and closes lost once the
// channel to the engine is unusable. A degraded session keeps its process
// alive, so Exited alone never fires for it.
type sessionMonitor struct {
	lost chan struct{}
	once sync.Once
}

func newSessionMonitor() *sessionMonitor {
	return &sessionMonitor{lost: make(chan struct{})}
}

func (m *sessionMonitor) observe(from, to lsp.State) {
	slog.Info("Engine session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if to == lsp.StateDegraded || to == lsp.StateCrashed {
		m.once.Do(func() { close(m.lost) })
	}
}
