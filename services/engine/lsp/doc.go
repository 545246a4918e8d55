// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp runs the analysis engine as a long-lived language server and
// receives its diagnostics over a local TCP connection.
//
// # Session Lifecycle
//
//	Idle -> PortNegotiating -> Spawning -> AwaitingReady -> Connected
//	Connected -> Degraded   (transport error, engine still running)
//	Connected -> Crashed    (engine process exited)
//	any       -> Terminated (Terminate)
//	startup   -> Failed     (no port, spawn failure, never became ready)
//
// A Session never restarts the engine on its own. Degraded, Crashed and
// Failed sessions stay that way until the owner terminates them and starts
// a new one.
//
// # Readiness
//
// The engine gets no readiness signal to send, so after spawning it the
// session polls the port with exponential backoff. Connection refused means
// "not listening yet" and is retried until a deadline; any other dial error
// is fatal.
//
// # Diagnostics
//
// textDocument/publishDiagnostics notifications are converted into
// finding.Issue values and handed to the DiagnosticsHandler. A message that
// cannot be decoded is dropped with a warning and the session carries on.
package lsp
