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
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"configuration", fmt.Errorf("%w: no port", ErrConfiguration), "configuration"},
		{"transport", fmt.Errorf("write: %w", ErrTransport), "transport"},
		{"malformed", fmt.Errorf("%w: line 0", ErrMalformedOutput), "malformed_output"},
		{"process exit", ErrProcessExit, "process_exit"},
		{"other", errors.New("boom"), "unknown"},
		{"context", context.Canceled, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(fmt.Errorf("%w: bad json", ErrMalformedOutput)) {
		t.Error("malformed output must not be fatal")
	}
	if !IsFatal(fmt.Errorf("%w: missing binary", ErrConfiguration)) {
		t.Error("configuration error must be fatal")
	}
	if IsFatal(nil) {
		t.Error("nil must not be fatal")
	}
}
