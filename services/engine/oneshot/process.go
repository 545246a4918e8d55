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
	"os/exec"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case the engine left children holding them open.
const waitDelay = 2 * time.Second

// ProcessOutput is the captured result of a finished process.
type ProcessOutput struct {
	// Stdout is everything the process wrote to stdout.
	Stdout []byte

	// Stderr is everything the process wrote to stderr.
	Stderr []byte

	// ExitCode is the exit status, or -1 if the process was killed by a
	// signal.
	ExitCode int
}

// ProcessRunner runs a process to completion and captures its output.
//
// Implementations must be safe for concurrent use. A non-zero exit is not
// an error: the returned error is reserved for failures to launch the
// process at all, so callers can tell a broken install from a failed run.
type ProcessRunner interface {
	Run(ctx context.Context, name string, args ...string) (ProcessOutput, error)
}

// ExecRunner implements ProcessRunner with os/exec.
type ExecRunner struct {
	// Env, when non-nil, replaces the process environment.
	Env []string
}

// Run executes name with args and waits for it to exit.
//
// The process is killed when ctx is done; the caller inspects ctx to tell a
// timeout from a normal exit.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (ProcessOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	if r.Env != nil {
		cmd.Env = r.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := ProcessOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out, nil
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	default:
		return out, err
	}
}

var _ ProcessRunner = (*ExecRunner)(nil)
