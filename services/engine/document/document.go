// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document holds editor document snapshots and maps engine points
// onto absolute byte offsets within them.
package document

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
)

// Errors returned by offset mapping. Both wrap engine.ErrMalformedOutput
// because a point outside the document means the engine broke its contract.
var (
	// ErrLineOutOfRange indicates a point whose line is 0 or past the last line.
	ErrLineOutOfRange = fmt.Errorf("%w: line out of range", engine.ErrMalformedOutput)

	// ErrNegativeChar indicates a point with a negative character offset.
	ErrNegativeChar = fmt.Errorf("%w: negative character offset", engine.ErrMalformedOutput)
)

// Span is a half-open byte range [Start, End) in a document.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Document is an immutable snapshot of an editor document.
//
// Thread Safety:
//
//	Safe for concurrent use; a Document is never mutated after New.
type Document struct {
	uri        string
	version    int
	text       string
	lineStarts []int
}

// New snapshots text as version of the document at uri.
//
// The line-start index is built once here. Lines are separated by '\n';
// a trailing newline starts a final empty line.
func New(uri string, version int, text string) *Document {
	starts := make([]int, 1, 64)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &Document{
		uri:        uri,
		version:    version,
		text:       text,
		lineStarts: starts,
	}
}

// URI returns the document identifier.
func (d *Document) URI() string { return d.uri }

// Version returns the editor version the snapshot was taken at.
func (d *Document) Version() int { return d.version }

// Text returns the snapshot contents.
func (d *Document) Text() string { return d.text }

// Len returns the snapshot length in bytes.
func (d *Document) Len() int { return len(d.text) }

// LineCount returns the number of lines, always at least 1.
func (d *Document) LineCount() int { return len(d.lineStarts) }

// Line returns the text of the 1-based line without its line terminator,
// or "" when lineNumber is out of range.
func (d *Document) Line(lineNumber int) string {
	if lineNumber < 1 || lineNumber > len(d.lineStarts) {
		return ""
	}
	start := d.lineStarts[lineNumber-1]
	end := len(d.text)
	if lineNumber < len(d.lineStarts) {
		end = d.lineStarts[lineNumber] - 1
	}
	if end > start && d.text[end-1] == '\r' {
		end--
	}
	return d.text[start:end]
}

// ToOffset converts an engine point to an absolute byte offset.
//
// Description:
//
//	offset = start of line (LineNumber-1) + CharNumber. The line must lie in
//	[1, LineCount]; it is never clamped. A CharNumber running past the end
//	of the document is clamped to the document length so the offset is
//	always addressable.
//
// Outputs:
//
//	int - Byte offset in [0, Len()].
//	error - ErrLineOutOfRange or ErrNegativeChar.
func (d *Document) ToOffset(p finding.Point) (int, error) {
	if p.LineNumber < 1 || p.LineNumber > len(d.lineStarts) {
		return 0, fmt.Errorf("%w: line %d not in [1, %d]", ErrLineOutOfRange, p.LineNumber, len(d.lineStarts))
	}
	if p.CharNumber < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNegativeChar, p)
	}
	offset := d.lineStarts[p.LineNumber-1] + p.CharNumber
	if offset > len(d.text) {
		offset = len(d.text)
	}
	return offset, nil
}

// ToSpan converts an engine range to a byte span.
//
// An end that maps before the start is coerced to a zero-width span at the
// start offset.
func (d *Document) ToSpan(r finding.Range) (Span, error) {
	start, err := d.ToOffset(r.Start)
	if err != nil {
		return Span{}, fmt.Errorf("start: %w", err)
	}
	end, err := d.ToOffset(r.End)
	if err != nil {
		return Span{}, fmt.Errorf("end: %w", err)
	}
	if end < start {
		end = start
	}
	return Span{Start: start, End: end}, nil
}

// PointAt is the inverse of ToOffset for offsets inside the document.
// Offsets outside [0, Len()] are clamped.
func (d *Document) PointAt(offset int) finding.Point {
	if offset < 0 {
		offset = 0
	}
	if offset > len(d.text) {
		offset = len(d.text)
	}
	line := sort.Search(len(d.lineStarts), func(i int) bool {
		return d.lineStarts[i] > offset
	})
	return finding.Point{LineNumber: line, CharNumber: offset - d.lineStarts[line-1]}
}
