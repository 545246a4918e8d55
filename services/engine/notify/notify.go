// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify decides which failures reach the user.
//
// Fatal errors are shown once: repeats of the same error inside the dedupe
// window are swallowed, and a token bucket caps how many distinct
// notifications can be shown in a burst. Everything suppressed is still
// logged.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// Level is the notification severity.
type Level int

const (
	LevelWarning Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "warning"
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Notification is one user-visible message.
type Notification struct {
	Level   Level     `json:"level"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink displays notifications.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification)

// Notify calls f(n).
func (f SinkFunc) Notify(n Notification) { f(n) }

// Config tunes suppression.
type Config struct {
	// Burst is how many warnings may be shown back to back. Errors are
	// only deduplicated, never rate limited.
	// Default: 3
	Burst int

	// Interval is how often one more notification is allowed after the
	// burst is spent.
	// Default: 10s
	Interval time.Duration

	// DedupeWindow is how long an identical notification stays suppressed.
	// Default: 5m
	DedupeWindow time.Duration
}

// DefaultConfig returns the default suppression settings.
func DefaultConfig() Config {
	return Config{
		Burst:        3,
		Interval:     10 * time.Second,
		DedupeWindow: 5 * time.Minute,
	}
}

// Notifier filters notifications before they reach a Sink.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Notifier struct {
	sink    Sink
	limiter *rate.Limiter
	window  time.Duration
	now     func() time.Time

	mu         sync.Mutex
	seen       map[string]time.Time
	suppressed int
}

// New creates a Notifier. A nil sink only logs.
func New(sink Sink, cfg Config) *Notifier {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	return &Notifier{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
		window:  cfg.DedupeWindow,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// Fatal reports a failure that ended an operation. Reports whether it was
// shown.
func (n *Notifier) Fatal(err error) bool {
	if err == nil {
		return false
	}
	return n.emit(Notification{
		Level:   LevelError,
		Kind:    engine.Kind(err),
		Message: err.Error(),
	})
}

// Warn reports a non-fatal message, such as engine stderr alongside valid
// findings. Reports whether it was shown.
func (n *Notifier) Warn(message string) bool {
	if message == "" {
		return false
	}
	return n.emit(Notification{Level: LevelWarning, Message: message})
}

func (n *Notifier) emit(note Notification) bool {
	note.At = n.now()
	key := note.Level.String() + "\x00" + note.Message

	n.mu.Lock()
	if last, ok := n.seen[key]; ok && note.At.Sub(last) < n.window {
		n.suppressed++
		n.mu.Unlock()
		slog.Debug("Duplicate notification suppressed",
			slog.String("level", note.Level.String()),
			slog.String("message", note.Message),
		)
		return false
	}
	n.prune(note.At)
	if note.Level == LevelWarning && !n.limiter.AllowN(note.At, 1) {
		n.suppressed++
		n.mu.Unlock()
		slog.Warn("Notification rate limited",
			slog.String("level", note.Level.String()),
			slog.String("message", note.Message),
		)
		return false
	}
	n.seen[key] = note.At
	n.mu.Unlock()

	attrs := []any{slog.String("message", note.Message)}
	if note.Kind != "" {
		attrs = append(attrs, slog.String("kind", note.Kind))
	}
	if note.Level == LevelError {
		slog.Error("Notifying user", attrs...)
	} else {
		slog.Warn("Notifying user", attrs...)
	}

	if n.sink != nil {
		n.sink.Notify(note)
	}
	return true
}

// prune drops dedupe entries older than the window. Caller holds n.mu.
func (n *Notifier) prune(now time.Time) {
	for key, last := range n.seen {
		if now.Sub(last) >= n.window {
			delete(n.seen, key)
		}
	}
}

// tracked returns how many notifications are remembered for dedupe.
func (n *Notifier) tracked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

// Suppressed returns how many notifications were swallowed.
func (n *Notifier) Suppressed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.suppressed
}

// Reset forgets previously shown notifications, so the next occurrence of
// each is shown again. Called when a session is reactivated.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = make(map[string]time.Time)
}

// =============================================================================
// SINKS
// =============================================================================

// Buffer is a Sink that keeps the most recent notifications.
type Buffer struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

// NewBuffer keeps at most limit notifications.
func NewBuffer(limit int) *Buffer {
	if limit < 1 {
		limit = 1
	}
	return &Buffer{limit: limit}
}

// Notify implements Sink.
func (b *Buffer) Notify(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if over := len(b.items) - b.limit; over > 0 {
		b.items = append(b.items[:0:0], b.items[over:]...)
	}
}

// Items returns a copy of the buffered notifications, oldest first.
func (b *Buffer) Items() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.items))
	copy(out, b.items)
	return out
}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}
