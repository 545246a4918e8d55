// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish turns engine issues into editor diagnostics and keeps the
// current diagnostic set for every document.
//
// A publish always replaces the whole set for a document. Each analysis is
// tagged with a per-document sequence number from Store.NextSeq, and a
// result whose sequence is not newer than the stored one is discarded, so a
// slow analysis can never overwrite a faster, newer one.
package publish
