// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
)

// Sentinel errors forming the failure taxonomy shared by all engine paths.
var (
	// ErrConfiguration indicates the engine cannot be started: the binary is
	// missing or not executable, or no local port could be bound.
	ErrConfiguration = errors.New("engine configuration error")

	// ErrTransport indicates a socket read or write failed mid-session.
	ErrTransport = errors.New("engine transport error")

	// ErrMalformedOutput indicates the engine produced output that could not
	// be decoded into findings.
	ErrMalformedOutput = errors.New("malformed engine output")

	// ErrProcessExit indicates the engine process terminated abnormally.
	ErrProcessExit = errors.New("engine process exited")
)

// Kind names the taxonomy class of err, or "unknown" when err wraps none of
// the sentinels. Used as a low-cardinality label in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, ErrProcessExit):
		return "process_exit"
	default:
		return "unknown"
	}
}

// IsFatal reports whether err should stop the current session or invocation
// rather than being logged and skipped.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrProcessExit)
}
