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
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lintbridge/pkg/logging"
	"github.com/AleutianAI/lintbridge/pkg/telemetry"
	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/config"
	"github.com/AleutianAI/lintbridge/services/engine/notify"
	"github.com/AleutianAI/lintbridge/services/engine/oneshot"
	"github.com/AleutianAI/lintbridge/services/engine/publish"
	"github.com/AleutianAI/lintbridge/services/engine/statusapi"
	"github.com/AleutianAI/lintbridge/services/engine/workspace"
)

// Exit codes.
const (
	exitFindings = 1
	exitFatal    = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app is the per-invocation state built by setupApp.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
	notes    *notify.Buffer
}

var current *app

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	if engineDir != "" {
		cfg.Engine.ExtensionDir = engineDir
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: cmd.Name(),
		JSON:    cfg.Log.JSON,
	})
	logger.Install()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.Output = os.Stderr
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		_ = logger.Close()
		return &exitError{code: exitFatal, err: fmt.Errorf("%w: %v", engine.ErrConfiguration, err)}
	}

	current = &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
		notes:    notify.NewBuffer(50),
	}
	return nil
}

func teardownApp(cmd *cobra.Command, _ []string) error {
	if current == nil {
		return nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	err := errors.Join(current.shutdown(ctx), current.logger.Close())
	current = nil
	return err
}

// invoker returns a one-shot invoker for the configured engine.
func (a *app) invoker() *oneshot.Invoker {
	return oneshot.NewInvoker(a.cfg.Invoker())
}

// publisher returns a publisher over a fresh store.
func (a *app) publisher() *publish.Publisher {
	return publish.NewPublisher(publish.NewStore(), a.cfg.Publisher()...)
}

// notifier prints user-visible notifications to stderr and keeps them for
// the status API.
func (a *app) notifier() *notify.Notifier {
	stderr := notify.SinkFunc(func(n notify.Notification) {
		fmt.Fprintf(os.Stderr, "%s: %s\n", n.Level, n.Message)
	})
	return notify.New(notify.Multi{stderr, a.notes}, a.cfg.Notifier())
}

// newWorkspace wires a workspace for the session and watch commands and
// returns the store it publishes to.
func (a *app) newWorkspace(opts ...workspace.Option) (*workspace.Workspace, *publish.Store) {
	pub := a.publisher()
	return workspace.New(pub, a.notifier(), opts...), pub.Store()
}

// serveStatus runs the status API until ctx is done. Errors are logged.
func (a *app) serveStatus(ctx context.Context, ws *workspace.Workspace, store *publish.Store) {
	addr := statusAddr
	if addr == "" {
		addr = a.cfg.Status.Addr
	}
	srv := statusapi.NewServer(
		statusapi.Config{Addr: addr, Version: version},
		statusapi.Deps{
			Sessions:      ws,
			Store:         store,
			Notifications: a.notes,
			Metrics:       telemetry.MetricsHandler(),
		},
	)
	go func() {
		if err := srv.Run(ctx); err != nil {
			slog.Error("Status API stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}

// fileURI turns a path into an absolute file:// URI.
func fileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func logCommandStart(name string, args []string) {
	slog.Debug("Command started",
		slog.String("command", name),
		slog.Int("args", len(args)),
		slog.String("version", version),
	)
}
