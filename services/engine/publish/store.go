// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"log/slog"
	"sort"
	"sync"
)

// Event describes a change to a document's diagnostics.
type Event struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version"`
	Seq         uint64       `json:"seq"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Cleared     bool         `json:"cleared,omitempty"`
}

type entry struct {
	version int
	diags   []Diagnostic
}

// Store holds the current diagnostic set per document URI.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	// issued is the last sequence handed out per URI.
	issued map[string]uint64

	// accepted is the newest sequence stored per URI. Replace only accepts
	// sequences above it. Clear raises it to issued so in-flight analyses
	// of a closed document are discarded.
	accepted map[string]uint64

	docs map[string]entry

	subs    map[int]chan Event
	nextSub int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		issued:   make(map[string]uint64),
		accepted: make(map[string]uint64),
		docs:     make(map[string]entry),
		subs:     make(map[int]chan Event),
	}
}

// NextSeq returns a new sequence number for uri, greater than every one
// returned before.
func (s *Store) NextSeq(uri string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[uri]++
	return s.issued[uri]
}

// Replace stores diags as the full set for uri if seq is newer than the
// stored set. Reports whether it was stored.
func (s *Store) Replace(uri string, version int, seq uint64, diags []Diagnostic) bool {
	s.mu.Lock()
	if seq <= s.accepted[uri] {
		current := s.accepted[uri]
		s.mu.Unlock()
		recordStale()
		slog.Debug("Discarding stale diagnostics",
			slog.String("uri", uri),
			slog.Uint64("seq", seq),
			slog.Uint64("current", current),
		)
		return false
	}
	if seq > s.issued[uri] {
		s.issued[uri] = seq
	}
	s.accepted[uri] = seq

	stored := make([]Diagnostic, len(diags))
	copy(stored, diags)
	s.docs[uri] = entry{version: version, diags: stored}

	s.broadcast(Event{URI: uri, Version: version, Seq: seq, Diagnostics: stored})
	s.mu.Unlock()

	recordPublished(len(stored))
	return true
}

// Get returns a copy of the current set for uri.
func (s *Store) Get(uri string) ([]Diagnostic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[uri]
	if !ok {
		return nil, false
	}
	out := make([]Diagnostic, len(e.diags))
	copy(out, e.diags)
	return out, true
}

// URIs returns every URI with a stored set, sorted.
func (s *Store) URIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uris := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Clear removes the set for uri and invalidates every sequence issued so
// far for it.
func (s *Store) Clear(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[uri] = s.issued[uri]
	if _, ok := s.docs[uri]; !ok {
		return
	}
	delete(s.docs, uri)
	s.broadcast(Event{URI: uri, Seq: s.issued[uri], Cleared: true})
}

// Subscribe returns a channel of future events and a cancel function.
// A subscriber that falls more than buffer events behind misses events.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// broadcast must be called with s.mu held.
func (s *Store) broadcast(ev Event) {
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Diagnostics subscriber lagging, event dropped",
				slog.Int("subscriber", id),
				slog.String("uri", ev.URI),
			)
		}
	}
}
