// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine bridges an external static-analysis engine to editor
// diagnostics.
//
// The engine is a black box that is reached in one of two ways:
//
//   - one-shot: the engine runs once per document against a temporary
//     snapshot and prints a JSON array of issues (see package oneshot)
//   - long-lived: the engine runs as a language server on a local TCP port
//     and streams diagnostics for open documents (see package lsp)
//
// Both paths produce finding.Issue values, which package publish maps onto
// document offsets (package document) with a severity (package severity)
// and stores as the complete diagnostic set for that document.
//
// # Error Taxonomy
//
// Every error returned by the subpackages wraps exactly one of the sentinels
// declared here, so callers can classify failures with errors.Is:
//
//	ErrConfiguration   binary missing, not executable, no free port
//	ErrTransport       socket read/write failure in a live session
//	ErrMalformedOutput undecodable payload, missing field, line 0
//	ErrProcessExit     engine exited unexpectedly
//
// Configuration errors are fatal for the current invocation or session and
// are never retried. Malformed output aborts a one-shot analysis but only
// drops the single offending message in a live session.
package engine
