// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oneshot runs the analysis engine once per document snapshot.
//
// # Description
//
// Each call to Invoker.Analyze writes the snapshot to its own temporary
// file, runs the bundled engine binary against it with --format=json, and
// decodes stdout into findings. Nothing is shared between invocations, so
// any number of documents may be analyzed concurrently.
//
// # Output Policy
//
//	stdout empty, exit 0            -> no findings (stderr logged)
//	stdout empty, exit != 0, stderr -> engine.ErrProcessExit
//	stdout empty, exit != 0, quiet  -> no findings
//	stdout present                  -> decoded; stderr becomes Result.Warning
//	stdout undecodable              -> engine.ErrMalformedOutput
//	binary missing or not runnable  -> engine.ErrConfiguration, never retried
//
// # Executable Resolution
//
// The engine is resolved relative to the extension directory, never from
// PATH. Freshly unpacked bundles sometimes lose the executable bit, so it
// is restored when missing.
package oneshot
