// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oneshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lintbridge/pkg/telemetry"
	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
)

// FormatFlag asks the engine for machine-readable output.
const FormatFlag = "--format=json"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config describes where the engine lives and how long it may run.
type Config struct {
	// ExtensionDir is the installed extension root the binary is resolved
	// against.
	ExtensionDir string

	// Binary is the engine path relative to ExtensionDir.
	// Default: "bin/whalelint"
	Binary string

	// Timeout bounds a single engine run.
	// Default: 30s
	Timeout time.Duration

	// TempDir holds the snapshot files. Empty uses os.TempDir().
	TempDir string

	// SnapshotPattern is the os.CreateTemp pattern for snapshot files.
	// Default: "lintbridge-*.Dockerfile"
	SnapshotPattern string
}

// DefaultConfig returns the defaults for a bundled whalelint engine.
func DefaultConfig() Config {
	return Config{
		Binary:          "bin/whalelint",
		Timeout:         30 * time.Second,
		SnapshotPattern: "lintbridge-*.Dockerfile",
	}
}

// =============================================================================
// INVOKER
// =============================================================================

// Result is the outcome of one successful engine run.
type Result struct {
	// RequestID identifies the run in logs and traces.
	RequestID string

	// Issues are the decoded findings, in engine order. Empty means the
	// engine ran cleanly and found nothing.
	Issues []*finding.Issue

	// Warning carries stderr the engine printed alongside valid findings.
	// Callers surface it as a non-fatal notice.
	Warning string

	// ExitCode is the engine exit status.
	ExitCode int

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Invoker runs the engine once per snapshot.
//
// Description:
//
//	Holds only immutable configuration; every Analyze call owns its own
//	temporary file and process.
//
// Thread Safety: Safe for concurrent use.
type Invoker struct {
	cfg    Config
	runner ProcessRunner
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRunner replaces the process runner. Used by tests.
func WithRunner(r ProcessRunner) Option {
	return func(i *Invoker) {
		i.runner = r
	}
}

// WithTempDir sets the directory snapshots are written to.
func WithTempDir(dir string) Option {
	return func(i *Invoker) {
		i.cfg.TempDir = dir
	}
}

// NewInvoker creates an invoker. Zero fields in cfg take their defaults.
func NewInvoker(cfg Config, opts ...Option) *Invoker {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SnapshotPattern == "" {
		cfg.SnapshotPattern = def.SnapshotPattern
	}

	inv := &Invoker{
		cfg:    cfg,
		runner: &ExecRunner{},
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Executable resolves the engine binary, fixing its executable bit if
// needed. Exposed so callers can fail fast before opening documents.
func (i *Invoker) Executable() (string, error) {
	return ResolveExecutable(i.cfg.ExtensionDir, i.cfg.Binary)
}

// Analyze runs the engine against a snapshot of a document.
//
// Description:
//
//	Writes content to a fresh temporary file, runs
//	"<engine> <snapshot> --format=json", and decodes stdout. The snapshot
//	is removed on every return path. See the package documentation for how
//	stdout, stderr and the exit code combine.
//
// Inputs:
//
//	ctx - Cancels the run; the engine process is killed.
//	content - Document contents at the time analysis was requested.
//
// Outputs:
//
//	*Result - Findings plus any stderr warning.
//	error - Wraps engine.ErrConfiguration, engine.ErrProcessExit or
//	        engine.ErrMalformedOutput; or the context error.
//
// Thread Safety: Safe for concurrent use.
func (i *Invoker) Analyze(ctx context.Context, content []byte) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: ctx must not be nil", ErrInvalidInput)
	}

	requestID := uuid.NewString()
	ctx, span := startAnalyzeSpan(ctx, requestID, len(content))
	defer span.End()
	start := time.Now()

	result, err := i.analyze(ctx, requestID, content)
	duration := time.Since(start)

	issueCount := 0
	if result != nil {
		result.Duration = duration
		issueCount = len(result.Issues)
	}
	setAnalyzeSpanResult(span, issueCount, err)
	recordAnalyzeMetrics(ctx, duration, issueCount, err)

	logger := telemetry.LoggerWithTrace(ctx, nil)
	if err != nil {
		logger.Debug("Engine analysis failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	logger.Debug("Engine analysis completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("issues", issueCount),
	)
	return result, nil
}

func (i *Invoker) analyze(ctx context.Context, requestID string, content []byte) (*Result, error) {
	exe, err := i.Executable()
	if err != nil {
		return nil, err
	}

	snapshot, err := i.writeSnapshot(content)
	if err != nil {
		return nil, err
	}
	defer os.Remove(snapshot)

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	out, err := i.runner.Run(runCtx, exe, snapshot, FormatFlag)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, NewEngineError(exe, -1, ErrTimeout).WithStderr(string(out.Stderr))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, exe, err)
	}

	stderr := strings.TrimSpace(string(out.Stderr))
	result := &Result{RequestID: requestID, ExitCode: out.ExitCode}

	if len(bytes.TrimSpace(out.Stdout)) == 0 {
		if out.ExitCode != 0 && stderr != "" {
			return nil, NewEngineError(exe, out.ExitCode, engine.ErrProcessExit).WithStderr(stderr)
		}
		if stderr != "" {
			slog.Info("Engine wrote to stderr without findings",
				slog.String("request_id", requestID),
				slog.String("stderr", firstLine(stderr)),
			)
		}
		return result, nil
	}

	issues, err := finding.Decode(out.Stdout)
	if err != nil {
		return nil, fmt.Errorf("decode engine output: %w", err)
	}
	result.Issues = issues

	if stderr != "" {
		result.Warning = stderr
		slog.Warn("Engine wrote to stderr alongside findings",
			slog.String("request_id", requestID),
			slog.String("stderr", firstLine(stderr)),
		)
	}
	return result, nil
}

// writeSnapshot stores content in a new temporary file and returns its path.
func (i *Invoker) writeSnapshot(content []byte) (string, error) {
	f, err := os.CreateTemp(i.cfg.TempDir, i.cfg.SnapshotPattern)
	if err != nil {
		return "", fmt.Errorf("creating snapshot: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing snapshot: %w", err)
	}
	return path, nil
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// FileResult pairs a file with the outcome of analyzing it.
type FileResult struct {
	Path    string
	Content []byte
	Result  *Result
	Err     error
}

// AnalyzeFiles analyzes files concurrently, at most jobs at a time.
//
// Description:
//
//	Each file is read once and analyzed as a snapshot. A failure on one
//	file is recorded in its FileResult and does not stop the others;
//	only cancellation of ctx stops the batch early.
//
// Outputs:
//
//	[]FileResult - In the same order as paths.
//	error - Non-nil only if ctx was cancelled.
//
// Thread Safety: Safe for concurrent use.
func (i *Invoker) AnalyzeFiles(ctx context.Context, paths []string, jobs int) ([]FileResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: ctx must not be nil", ErrInvalidInput)
	}
	if jobs < 1 {
		jobs = 1
	}

	results := make([]FileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for idx, path := range paths {
		g.Go(func() error {
			fr := FileResult{Path: path}
			content, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				fr.Err = fmt.Errorf("reading %s: %w", path, err)
				results[idx] = fr
				return nil
			}
			fr.Content = content
			fr.Result, fr.Err = i.Analyze(gctx, content)
			results[idx] = fr
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
