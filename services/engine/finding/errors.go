// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package finding

import (
	"fmt"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// DecodeError describes why an engine payload could not be decoded.
//
// It always matches engine.ErrMalformedOutput under errors.Is, and unwraps
// to the underlying JSON error when there is one.
type DecodeError struct {
	// Index is the position of the offending issue in the payload, or -1
	// when the payload as a whole is unreadable.
	Index int

	// Field is the dotted path of the missing or invalid field, if any.
	Field string

	// Reason is a short human readable explanation.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("%v: %s", engine.ErrMalformedOutput, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("%v: issue %d: %s: %s", engine.ErrMalformedOutput, e.Index, e.Field, e.Reason)
	default:
		return fmt.Sprintf("%v: issue %d: %s", engine.ErrMalformedOutput, e.Index, e.Reason)
	}
}

// Is reports whether target is engine.ErrMalformedOutput.
func (e *DecodeError) Is(target error) bool {
	return target == engine.ErrMalformedOutput
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func missingField(index int, field string) *DecodeError {
	return &DecodeError{Index: index, Field: field, Reason: "required field missing"}
}
