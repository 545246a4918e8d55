// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package finding models the issues reported by the analysis engine and
// decodes the engine's one-shot JSON output into them.
package finding

import (
	"fmt"
)

// =============================================================================
// DATA MODEL
// =============================================================================

// Rule identifies the check an Issue violated.
//
// Rules are shared by pointer across every Issue decoded from the same
// payload that cites the same ID, and are never mutated after decoding.
type Rule struct {
	// ID is the short stable rule identifier (e.g. "STL001"). It is used to
	// build documentation links and as a grouping key.
	ID string

	// Definition is the human readable rule label.
	Definition string

	// Description explains the rule.
	Description string

	// Severity is the engine's free-text severity label. Matching is
	// case-insensitive; see package severity.
	Severity string
}

// Point is a position reported by the engine.
//
// LineNumber is 1-based, CharNumber is a 0-based byte column within the
// line. A LineNumber of 0 breaks the engine contract.
type Point struct {
	LineNumber int
	CharNumber int
}

// String renders the point as "line:char".
func (p Point) String() string {
	return fmt.Sprintf("%d:%d", p.LineNumber, p.CharNumber)
}

// Before reports whether p is strictly before q.
func (p Point) Before(q Point) bool {
	if p.LineNumber != q.LineNumber {
		return p.LineNumber < q.LineNumber
	}
	return p.CharNumber < q.CharNumber
}

// Range is a half-open pair of points. End may equal Start for a
// zero-width highlight.
type Range struct {
	Start Point
	End   Point
}

// Issue is one finding reported by the engine.
type Issue struct {
	// Rule is the violated rule. Never nil for decoded issues.
	Rule *Rule

	// IsViolated is always true for issues returned by Decode.
	IsViolated bool

	// Location is where the issue was found.
	Location Range

	// Message is the engine's free-text explanation.
	Message string
}

// RuleID returns the ID of the violated rule, or "" when Rule is nil.
func (i *Issue) RuleID() string {
	if i == nil || i.Rule == nil {
		return ""
	}
	return i.Rule.ID
}
