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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// Sentinel errors for one-shot invocations. Each wraps a taxonomy error from
// package engine.
var (
	// ErrBinaryNotFound indicates the engine binary does not exist under the
	// extension directory.
	ErrBinaryNotFound = fmt.Errorf("%w: engine binary not found", engine.ErrConfiguration)

	// ErrNotExecutable indicates the engine binary lacks the executable bit
	// and it could not be set.
	ErrNotExecutable = fmt.Errorf("%w: engine binary not executable", engine.ErrConfiguration)

	// ErrLaunch indicates the operating system refused to start the engine.
	ErrLaunch = fmt.Errorf("%w: engine launch failed", engine.ErrConfiguration)

	// ErrTimeout indicates the engine was killed after exceeding its timeout.
	ErrTimeout = fmt.Errorf("%w: engine timed out", engine.ErrProcessExit)

	// ErrInvalidInput indicates a caller error such as a nil context.
	ErrInvalidInput = errors.New("invalid input")
)

// EngineError reports an engine run that produced no findings but failed.
type EngineError struct {
	// Executable is the resolved engine path.
	Executable string

	// ExitCode is the process exit code, or -1 when killed by a signal.
	ExitCode int

	// Stderr is the trimmed stderr output.
	Stderr string

	// Err is the taxonomy sentinel (ErrProcessExit or ErrTimeout).
	Err error
}

// NewEngineError creates an EngineError.
func NewEngineError(executable string, exitCode int, err error) *EngineError {
	return &EngineError{Executable: executable, ExitCode: exitCode, Err: err}
}

// WithStderr attaches trimmed stderr output and returns e.
func (e *EngineError) WithStderr(stderr string) *EngineError {
	e.Stderr = strings.TrimSpace(stderr)
	return e
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%v (%s, exit %d)", e.Err, e.Executable, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	}
	return msg
}

// Unwrap returns the taxonomy sentinel.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
