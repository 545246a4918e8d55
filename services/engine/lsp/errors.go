// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// Sentinel errors for session operations.
var (
	// ErrNotConnected indicates the session is not in the Connected state.
	ErrNotConnected = errors.New("engine session not connected")

	// ErrSessionStarted indicates Start was called more than once.
	ErrSessionStarted = errors.New("engine session already started")

	// ErrRequestTimeout indicates a request got no response in time.
	ErrRequestTimeout = errors.New("engine request timeout")

	// ErrPortExhausted indicates neither the preferred port nor any port in
	// the fallback range could be bound.
	ErrPortExhausted = fmt.Errorf("%w: no free port", engine.ErrConfiguration)

	// ErrSpawnFailed indicates the engine process could not be started.
	ErrSpawnFailed = fmt.Errorf("%w: engine spawn failed", engine.ErrConfiguration)

	// ErrReadyTimeout indicates the engine never accepted a connection.
	ErrReadyTimeout = fmt.Errorf("%w: engine not ready", engine.ErrTransport)

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = fmt.Errorf("%w: initialize failed", engine.ErrTransport)

	// ErrConnectionClosed indicates the engine closed the connection.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", engine.ErrTransport)

	// ErrEngineExited indicates the engine process terminated.
	ErrEngineExited = fmt.Errorf("%w: engine exited", engine.ErrProcessExit)

	// ErrInvalidDiagnostic indicates a diagnostic could not be converted.
	ErrInvalidDiagnostic = fmt.Errorf("%w: invalid diagnostic", engine.ErrMalformedOutput)
)

// LSPError represents an error returned by the engine via JSON-RPC.
//
// Codes follow JSON-RPC plus the LSP reserved range:
//   - -32700: Parse error
//   - -32601: Method not found
//   - -32603: Internal error
//   - -32099 to -32000: Server error (reserved)
//   - -32800: Request cancelled
type LSPError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the engine.
	Message string
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the engine does not support the method.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == codeMethodNotFound
}

// JSON-RPC error codes used by this package.
const (
	codeMethodNotFound = -32601
	codeConnClosed     = -32099
)
