// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package severity maps engine severity labels to editor severity levels.
package severity

import (
	"fmt"
	"strings"
)

// Level is an editor diagnostic severity.
//
// The numeric values match the language server protocol's
// DiagnosticSeverity, so a Level can be sent on the wire unchanged.
type Level int

const (
	// Error marks a definite problem.
	Error Level = 1

	// Warning marks a likely problem.
	Warning Level = 2

	// Information is the default for labels the engine does not define.
	Information Level = 3

	// Hint is a weak, de-emphasized diagnostic (deprecations).
	Hint Level = 4
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Information:
		return "information"
	case Hint:
		return "hint"
	default:
		return "unknown"
	}
}

// MarshalText renders the level name, so JSON output carries "warning"
// rather than 2.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (l *Level) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error":
		*l = Error
	case "warning":
		*l = Warning
	case "information":
		*l = Information
	case "hint":
		*l = Hint
	case "unknown":
		*l = 0
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// labels maps lower-cased engine labels to levels.
var labels = map[string]Level{
	"deprecation": Hint,
	"error":       Error,
	"info":        Information,
	"warning":     Warning,
}

// Classify maps an engine severity label to a Level.
//
// Matching is case-insensitive and ignores surrounding whitespace. Any
// label outside the table, including "", maps to Information; decoding
// never fails because of an unrecognized label.
func Classify(label string) Level {
	if lvl, ok := labels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return lvl
	}
	return Information
}

// Label is the engine label for l, the inverse of Classify for the four
// known levels.
func (l Level) Label() string {
	switch l {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Hint:
		return "deprecation"
	default:
		return "info"
	}
}

// FromProtocol converts a wire DiagnosticSeverity. Zero (omitted) and
// out-of-range values map to Information.
func FromProtocol(n int) Level {
	switch l := Level(n); l {
	case Error, Warning, Information, Hint:
		return l
	default:
		return Information
	}
}
