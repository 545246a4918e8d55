// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/lintbridge/services/engine/lsp"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSessionMonitor(t *testing.T) {
	t.Run("startup states keep the session running", func(t *testing.T) {
		m := newSessionMonitor()
		m.observe(lsp.StateIdle, lsp.StatePortNegotiating)
		m.observe(lsp.StatePortNegotiating, lsp.StateSpawning)
		m.observe(lsp.StateSpawning, lsp.StateAwaitingReady)
		m.observe(lsp.StateAwaitingReady, lsp.StateConnected)
		assert.False(t, isClosed(m.lost))
	})

	t.Run("degraded ends the session while the engine lives", func(t *testing.T) {
		m := newSessionMonitor()
		m.observe(lsp.StateAwaitingReady, lsp.StateConnected)
		m.observe(lsp.StateConnected, lsp.StateDegraded)
		assert.True(t, isClosed(m.lost))
	})

	t.Run("later transitions do not close twice", func(t *testing.T) {
		m := newSessionMonitor()
		m.observe(lsp.StateConnected, lsp.StateDegraded)
		assert.NotPanics(t, func() {
			m.observe(lsp.StateDegraded, lsp.StateCrashed)
			m.observe(lsp.StateCrashed, lsp.StateTerminated)
		})
		assert.True(t, isClosed(m.lost))
	})
}
