// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace is the editor-side host for the analysis engine.
//
// It tracks open documents, runs one-shot analyses, owns the single
// long-lived engine session, and routes every result through the
// diagnostic publisher. Results for documents that were closed or changed
// while the analysis ran are discarded.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/lintbridge/services/engine/document"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
	"github.com/AleutianAI/lintbridge/services/engine/lsp"
	"github.com/AleutianAI/lintbridge/services/engine/notify"
	"github.com/AleutianAI/lintbridge/services/engine/oneshot"
	"github.com/AleutianAI/lintbridge/services/engine/publish"
)

// Errors returned by Workspace.
var (
	// ErrDocumentNotOpen indicates an operation on a URI that is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrSessionActive indicates Activate was called while a session that
	// has not been deactivated exists.
	ErrSessionActive = errors.New("engine session already active")

	// ErrNoAnalyzer indicates Analyze was called without a one-shot
	// analyzer configured.
	ErrNoAnalyzer = errors.New("no one-shot analyzer configured")
)

// Analyzer runs a one-shot analysis. *oneshot.Invoker implements it.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte) (*oneshot.Result, error)
}

// SessionFactory creates an unstarted engine session.
type SessionFactory func(opts ...lsp.Option) *lsp.Session

// SessionFactoryFor returns a factory building sessions from cfg.
func SessionFactoryFor(cfg lsp.Config) SessionFactory {
	return func(opts ...lsp.Option) *lsp.Session {
		return lsp.NewSession(cfg, opts...)
	}
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithAnalyzer sets the one-shot analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(w *Workspace) { w.analyzer = a }
}

// WithSessionFactory sets how Activate creates sessions.
func WithSessionFactory(f SessionFactory) Option {
	return func(w *Workspace) { w.newSession = f }
}

// WithStateObserver is told about session state changes.
func WithStateObserver(fn lsp.StateObserver) Option {
	return func(w *Workspace) { w.onState = fn }
}

// Workspace holds the open documents of one editor instance.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Workspace struct {
	publisher  *publish.Publisher
	notifier   *notify.Notifier
	analyzer   Analyzer
	newSession SessionFactory
	onState    lsp.StateObserver

	// lifeMu serializes Activate and Deactivate.
	lifeMu sync.Mutex

	mu      sync.RWMutex
	docs    map[string]*document.Document
	session *lsp.Session
}

// New creates a workspace publishing through publisher and reporting
// failures through notifier.
func New(publisher *publish.Publisher, notifier *notify.Notifier, opts ...Option) *Workspace {
	w := &Workspace{
		publisher: publisher,
		notifier:  notifier,
		docs:      make(map[string]*document.Document),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// Open starts tracking a document and forwards it to a connected session.
func (w *Workspace) Open(uri string, version int, text string) *document.Document {
	doc := document.New(uri, version, text)

	w.mu.Lock()
	w.docs[uri] = doc
	s := w.session
	w.mu.Unlock()

	if s != nil && s.State() == lsp.StateConnected {
		if err := s.DidOpen(uri, version, text); err != nil {
			logForwardError("didOpen", uri, err)
		}
	}
	return doc
}

// Change replaces the text of an open document.
func (w *Workspace) Change(uri string, version int, text string) (*document.Document, error) {
	doc := document.New(uri, version, text)

	w.mu.Lock()
	if _, ok := w.docs[uri]; !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	w.docs[uri] = doc
	s := w.session
	w.mu.Unlock()

	if s != nil && s.State() == lsp.StateConnected {
		if err := s.DidChange(uri, version, text); err != nil {
			logForwardError("didChange", uri, err)
		}
	}
	return doc, nil
}

// Save tells a connected session that a document was saved.
func (w *Workspace) Save(uri string) error {
	w.mu.RLock()
	doc, ok := w.docs[uri]
	s := w.session
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}

	if s != nil && s.State() == lsp.StateConnected {
		if err := s.DidSave(uri, doc.Text()); err != nil {
			logForwardError("didSave", uri, err)
		}
	}
	return nil
}

// Close stops tracking a document and clears its diagnostics. In-flight
// analyses of it are discarded when they finish.
func (w *Workspace) Close(uri string) {
	w.mu.Lock()
	_, ok := w.docs[uri]
	delete(w.docs, uri)
	s := w.session
	w.mu.Unlock()

	w.publisher.Store().Clear(uri)

	if ok && s != nil && s.State() == lsp.StateConnected {
		if err := s.DidClose(uri); err != nil {
			logForwardError("didClose", uri, err)
		}
	}
}

// Document returns the current snapshot of an open document.
func (w *Workspace) Document(uri string) (*document.Document, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.docs[uri]
	return doc, ok
}

// Diagnostics returns the published diagnostics of a document.
func (w *Workspace) Diagnostics(uri string) []publish.Diagnostic {
	diags, _ := w.publisher.Store().Get(uri)
	return diags
}

// publishCurrent publishes issues for doc only while doc is the open
// snapshot for its URI. The read lock is held across the check and the
// store update so a concurrent Change or Close waits for it.
func (w *Workspace) publishCurrent(doc *document.Document, seq uint64, issues []*finding.Issue) (stored, current bool, err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.docs[doc.URI()] != doc {
		return false, false, nil
	}
	stored, err = w.publisher.PublishSeq(doc, seq, issues)
	return stored, true, err
}

// =============================================================================
// ONE-SHOT ANALYSIS
// =============================================================================

// Analyze runs a one-shot analysis of an open document and publishes the
// result.
//
// Description:
//
//	The current snapshot is analyzed under a fresh sequence number. When
//	the run ends the result is published only if the snapshot is still
//	current and no newer analysis was published first. Engine stderr that
//	came with valid findings becomes a warning notification; failures
//	become a single fatal notification.
//
// Outputs:
//
//	bool - True when the result was published.
//	error - ErrDocumentNotOpen, ErrNoAnalyzer, or the analysis error.
func (w *Workspace) Analyze(ctx context.Context, uri string) (bool, error) {
	if ctx == nil {
		return false, fmt.Errorf("ctx must not be nil")
	}
	if w.analyzer == nil {
		return false, ErrNoAnalyzer
	}

	doc, ok := w.Document(uri)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	seq := w.publisher.Store().NextSeq(uri)

	res, err := w.analyzer.Analyze(ctx, []byte(doc.Text()))
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		w.notifier.Fatal(err)
		return false, err
	}

	if res.Warning != "" {
		w.notifier.Warn(res.Warning)
	}

	stored, current, err := w.publishCurrent(doc, seq, res.Issues)
	if !current {
		slog.Debug("Discarding analysis of stale document",
			slog.String("uri", uri),
			slog.Int("version", doc.Version()),
			slog.Uint64("seq", seq),
		)
		return false, nil
	}
	if err != nil {
		w.notifier.Fatal(err)
		return false, err
	}
	return stored, nil
}

// =============================================================================
// LONG-LIVED SESSION
// =============================================================================

// Activate starts the long-lived engine session and opens every tracked
// document in it.
//
// Outputs:
//
//	error - ErrSessionActive when a session exists that was not
//	        deactivated, or the Start failure. Start failures are also
//	        notified once.
func (w *Workspace) Activate(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if w.newSession == nil {
		return fmt.Errorf("no session factory configured")
	}

	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	w.mu.RLock()
	prev := w.session
	w.mu.RUnlock()
	if prev != nil {
		switch prev.State() {
		case lsp.StateTerminated, lsp.StateFailed:
		default:
			return fmt.Errorf("%w: state %s", ErrSessionActive, prev.State())
		}
	}

	w.notifier.Reset()

	opts := []lsp.Option{
		lsp.WithDiagnosticsHandler(w.sessionDiagnostics),
		lsp.WithFailureHandler(func(err error) { w.notifier.Fatal(err) }),
	}
	if w.onState != nil {
		opts = append(opts, lsp.WithStateObserver(w.onState))
	}
	s := w.newSession(opts...)

	w.mu.Lock()
	w.session = s
	w.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return err
	}

	w.mu.RLock()
	docs := make([]*document.Document, 0, len(w.docs))
	for _, d := range w.docs {
		docs = append(docs, d)
	}
	w.mu.RUnlock()

	for _, d := range docs {
		if err := s.DidOpen(d.URI(), d.Version(), d.Text()); err != nil {
			logForwardError("didOpen", d.URI(), err)
			break
		}
	}
	return nil
}

// Deactivate terminates the session, if any. Diagnostics already published
// stay until their documents are closed or re-analyzed.
func (w *Workspace) Deactivate(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	w.mu.RLock()
	s := w.session
	w.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Terminate(ctx)
}

// Session returns the current session, or nil before the first Activate.
func (w *Workspace) Session() *lsp.Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// sessionDiagnostics publishes what the engine streamed for one document.
// Only open documents are published, and a version that does not match
// the open snapshot is stale. Bad results are logged and dropped.
func (w *Workspace) sessionDiagnostics(uri string, version *int, issues []*finding.Issue) {
	doc, ok := w.Document(uri)
	if !ok {
		slog.Debug("Ignoring diagnostics for closed document", slog.String("uri", uri))
		return
	}
	if version != nil && *version != doc.Version() {
		slog.Debug("Ignoring diagnostics for old version",
			slog.String("uri", uri),
			slog.Int("version", *version),
			slog.Int("current", doc.Version()),
		)
		return
	}

	seq := w.publisher.Store().NextSeq(uri)
	_, current, err := w.publishCurrent(doc, seq, issues)
	if !current {
		slog.Debug("Ignoring diagnostics for replaced document", slog.String("uri", uri))
		return
	}
	if err != nil {
		slog.Warn("Dropped engine diagnostics",
			slog.String("uri", uri),
			slog.String("error", err.Error()),
		)
	}
}

func logForwardError(method, uri string, err error) {
	slog.Warn("Failed to forward document to engine",
		slog.String("method", method),
		slog.String("uri", uri),
		slog.String("error", err.Error()),
	)
}
