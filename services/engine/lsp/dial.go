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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// ReadyConfig controls how long and how often the session polls the engine
// port after spawning it.
type ReadyConfig struct {
	// Timeout bounds the whole readiness wait.
	// Default: 10s
	Timeout time.Duration

	// InitialBackoff is the wait after the first refused attempt.
	// Default: 50ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 1s
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each attempt.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	// Default: 0.2
	JitterFactor float64
}

// DefaultReadyConfig returns the readiness defaults.
func DefaultReadyConfig() ReadyConfig {
	return ReadyConfig{
		Timeout:        10 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

func (c ReadyConfig) withDefaults() ReadyConfig {
	def := DefaultReadyConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffFactor < 1.0 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		c.JitterFactor = def.JitterFactor
	}
	return c
}

// DialFunc opens a connection to address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// readyResult reports how the readiness wait went.
type readyResult struct {
	conn     net.Conn
	attempts int
	waited   time.Duration
}

// waitReady dials address until it connects.
//
// Refused connections are retried with backoff until cfg.Timeout. Any other
// dial error is returned at once. The wait also ends if exited is closed,
// since a dead engine will never listen.
func waitReady(ctx context.Context, cfg ReadyConfig, dial DialFunc, address string, exited <-chan struct{}) (readyResult, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	res := readyResult{}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	backoff := cfg.InitialBackoff
	var lastErr error

	for {
		res.attempts++
		recordDialAttempt()

		conn, err := dial(ctx, "tcp", address)
		if err == nil {
			res.conn = conn
			res.waited = time.Since(start)
			return res, nil
		}
		lastErr = err

		select {
		case <-exited:
			res.waited = time.Since(start)
			return res, ErrEngineExited
		default:
		}

		if !isConnRefused(err) {
			res.waited = time.Since(start)
			if ctx.Err() != nil {
				return res, readyTimeoutOrCancel(ctx, res.attempts, lastErr)
			}
			return res, fmt.Errorf("%w: dial %s: %v", engine.ErrTransport, address, err)
		}

		timer := time.NewTimer(calculateBackoff(backoff, cfg.JitterFactor))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.waited = time.Since(start)
			return res, readyTimeoutOrCancel(ctx, res.attempts, lastErr)
		case <-exited:
			timer.Stop()
			res.waited = time.Since(start)
			return res, ErrEngineExited
		case <-timer.C:
		}

		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
}

// readyTimeoutOrCancel distinguishes our deadline from the caller's
// cancellation.
func readyTimeoutOrCancel(ctx context.Context, attempts int, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &readyError{attempts: attempts, last: lastErr}
	}
	return ctx.Err()
}

type readyError struct {
	attempts int
	last     error
}

func (e *readyError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrReadyTimeout, e.attempts, e.last)
}

func (e *readyError) Unwrap() error { return ErrReadyTimeout }

// isConnRefused reports whether err means nothing is listening yet.
func isConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// Windows reports WSAECONNREFUSED, which does not match the unix errno.
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}

// calculateBackoff applies jitter: base * [1-jitter, 1+jitter].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff calculates the next backoff value.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
