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
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/AleutianAI/lintbridge/services/engine/document"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
	"github.com/AleutianAI/lintbridge/services/engine/severity"
)

// Defaults for diagnostic composition.
const (
	DefaultDocsBaseURL = "https://github.com/CreMindES/whalelint/tree/main/docs"
	DefaultSource      = "WhaleLint"
	RemediationTitle   = "Open Docs in browser."
)

// Remediation is an action attached to a diagnostic.
type Remediation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Diagnostic is the editor-facing form of one issue.
type Diagnostic struct {
	// Span is the highlighted byte range.
	Span document.Span `json:"span"`

	// Location is the engine range the span came from.
	Location finding.Range `json:"location"`

	Severity    severity.Level `json:"severity"`
	Message     string         `json:"message"`
	RuleID      string         `json:"rule_id"`
	Source      string         `json:"source"`
	Remediation *Remediation   `json:"remediation,omitempty"`
}

// ComposeMessage renders "<message> (<ruleID>)".
func ComposeMessage(message, ruleID string) string {
	return fmt.Sprintf("%s (%s)", message, ruleID)
}

// DocsURL builds the documentation link for ruleID under base:
// <base>/rule/set/<lower-case id>.md
func DocsURL(base, ruleID string) (string, error) {
	if ruleID == "" {
		return "", fmt.Errorf("empty rule id")
	}
	return url.JoinPath(base, "rule", "set", strings.ToLower(ruleID)+".md")
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithDocsBaseURL overrides the documentation root.
func WithDocsBaseURL(base string) Option {
	return func(p *Publisher) { p.docsBase = base }
}

// WithSource overrides the diagnostic source label.
func WithSource(source string) Option {
	return func(p *Publisher) { p.source = source }
}

// Publisher builds diagnostics and stores them.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Publisher struct {
	store    *Store
	docsBase string
	source   string
}

// NewPublisher creates a publisher writing to store.
func NewPublisher(store *Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		docsBase: DefaultDocsBaseURL,
		source:   DefaultSource,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the backing store.
func (p *Publisher) Store() *Store { return p.store }

// Build converts issues into diagnostics for doc.
//
// Description:
//
//	Issues that are not violations, have no rule, or start on line 0 are
//	skipped and logged. Any other point outside the document fails the
//	whole build, since the engine and the document disagree about the
//	text.
//
// Outputs:
//
//	[]Diagnostic - One entry per kept issue, in input order.
//	error - Wraps engine.ErrMalformedOutput.
func (p *Publisher) Build(doc *document.Document, issues []*finding.Issue) ([]Diagnostic, error) {
	diags := make([]Diagnostic, 0, len(issues))

	for i, is := range issues {
		switch {
		case is == nil || !is.IsViolated:
			continue
		case is.Rule == nil:
			recordSkipped("no_rule")
			slog.Warn("Skipping issue without rule",
				slog.String("uri", doc.URI()),
				slog.Int("index", i),
			)
			continue
		case is.Location.Start.LineNumber == 0:
			recordSkipped("line_zero")
			slog.Warn("Skipping issue on line 0",
				slog.String("uri", doc.URI()),
				slog.String("rule_id", is.Rule.ID),
				slog.Int("index", i),
			)
			continue
		}

		span, err := doc.ToSpan(is.Location)
		if err != nil {
			return nil, fmt.Errorf("issue %d (%s): %w", i, is.Rule.ID, err)
		}

		d := Diagnostic{
			Span:     span,
			Location: is.Location,
			Severity: severity.Classify(is.Rule.Severity),
			Message:  ComposeMessage(is.Message, is.Rule.ID),
			RuleID:   is.Rule.ID,
			Source:   p.source,
		}
		if link, err := DocsURL(p.docsBase, is.Rule.ID); err == nil {
			d.Remediation = &Remediation{Title: RemediationTitle, URL: link}
		}
		diags = append(diags, d)
	}
	return diags, nil
}

// Publish replaces the diagnostics of doc with those built from issues.
//
// The publish takes a fresh sequence number, so it supersedes every
// analysis started before it. On error the previous set is left alone.
func (p *Publisher) Publish(doc *document.Document, issues []*finding.Issue) error {
	_, err := p.PublishSeq(doc, p.store.NextSeq(doc.URI()), issues)
	return err
}

// PublishSeq is Publish for an analysis tagged with seq.
//
// Outputs:
//
//	bool - False when a newer result was already stored and this one was
//	       discarded.
//	error - Build failure; nothing is stored.
func (p *Publisher) PublishSeq(doc *document.Document, seq uint64, issues []*finding.Issue) (bool, error) {
	diags, err := p.Build(doc, issues)
	if err != nil {
		return false, err
	}
	return p.store.Replace(doc.URI(), doc.Version(), seq, diags), nil
}
