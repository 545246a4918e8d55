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
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

// The engine's field names are fixed. Pointer fields let Decode tell an
// absent field apart from a zero value.

type wireRule struct {
	ID          *string `json:"ID"`
	Definition  string  `json:"Definition"`
	Description string  `json:"Description"`
	Severity    *string `json:"Severity"`
}

type wirePoint struct {
	LineNumber *int `json:"LineNumber"`
	CharNumber *int `json:"CharNumber"`
}

type wireRange struct {
	Start *wirePoint `json:"Start"`
	End   *wirePoint `json:"End"`
}

type wireIssue struct {
	Rule          *wireRule  `json:"Rule"`
	IsViolated    *bool      `json:"IsViolated"`
	LocationRange *wireRange `json:"LocationRange"`
	Message       string     `json:"Message"`
}

// =============================================================================
// DECODE
// =============================================================================

// Decode parses the engine's one-shot output into issues.
//
// Description:
//
//	Accepts a JSON array of issue objects. Zero bytes, whitespace, or a
//	JSON null mean the engine ran cleanly and found nothing, and return a
//	nil slice with a nil error. Records with IsViolated explicitly false
//	are skipped. Issues citing the same rule ID share one *Rule.
//
// Inputs:
//
//	data - Raw engine stdout.
//
// Outputs:
//
//	[]*Issue - Issues in payload order.
//	error - *DecodeError (matching engine.ErrMalformedOutput) when the
//	        payload is not JSON, a required field is absent, or a point
//	        has LineNumber 0.
//
// Thread Safety:
//
//	Safe for concurrent use.
func Decode(data []byte) ([]*Issue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var wire []wireIssue
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, &DecodeError{Index: -1, Reason: "payload is not a JSON issue array", Err: err}
	}

	rules := make(map[string]*Rule)
	issues := make([]*Issue, 0, len(wire))

	for i := range wire {
		w := &wire[i]
		if w.IsViolated != nil && !*w.IsViolated {
			continue
		}

		rule, err := decodeRule(i, w.Rule, rules)
		if err != nil {
			return nil, err
		}

		loc, err := decodeRange(i, w.LocationRange)
		if err != nil {
			return nil, err
		}

		issues = append(issues, &Issue{
			Rule:       rule,
			IsViolated: true,
			Location:   loc,
			Message:    w.Message,
		})
	}

	return issues, nil
}

func decodeRule(index int, w *wireRule, rules map[string]*Rule) (*Rule, error) {
	if w == nil {
		return nil, missingField(index, "Rule")
	}
	if w.ID == nil || strings.TrimSpace(*w.ID) == "" {
		return nil, missingField(index, "Rule.ID")
	}
	if w.Severity == nil {
		return nil, missingField(index, "Rule.Severity")
	}

	if existing, ok := rules[*w.ID]; ok {
		return existing, nil
	}
	rule := &Rule{
		ID:          *w.ID,
		Definition:  w.Definition,
		Description: w.Description,
		Severity:    *w.Severity,
	}
	rules[rule.ID] = rule
	return rule, nil
}

func decodeRange(index int, w *wireRange) (Range, error) {
	if w == nil {
		return Range{}, missingField(index, "LocationRange")
	}
	start, err := decodePoint(index, "LocationRange.Start", w.Start)
	if err != nil {
		return Range{}, err
	}
	end, err := decodePoint(index, "LocationRange.End", w.End)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: end}, nil
}

func decodePoint(index int, field string, w *wirePoint) (Point, error) {
	if w == nil {
		return Point{}, missingField(index, field)
	}
	if w.LineNumber == nil {
		return Point{}, missingField(index, field+".LineNumber")
	}
	if *w.LineNumber < 1 {
		return Point{}, &DecodeError{Index: index, Field: field + ".LineNumber", Reason: "line numbers are 1-based"}
	}

	p := Point{LineNumber: *w.LineNumber}
	if w.CharNumber != nil {
		if *w.CharNumber < 0 {
			return Point{}, &DecodeError{Index: index, Field: field + ".CharNumber", Reason: "negative character offset"}
		}
		p.CharNumber = *w.CharNumber
	}
	return p, nil
}

// =============================================================================
// ENCODE
// =============================================================================

// Encode renders issues in the engine's one-shot wire format.
//
// The output decodes back to the same rules, ranges and messages. Issues
// with a nil Rule are encoded without one and will not decode.
func Encode(issues []*Issue) ([]byte, error) {
	wire := make([]wireIssue, 0, len(issues))
	for _, is := range issues {
		if is == nil {
			continue
		}
		violated := true
		w := wireIssue{
			IsViolated: &violated,
			LocationRange: &wireRange{
				Start: encodePoint(is.Location.Start),
				End:   encodePoint(is.Location.End),
			},
			Message: is.Message,
		}
		if is.Rule != nil {
			id, sev := is.Rule.ID, is.Rule.Severity
			w.Rule = &wireRule{
				ID:          &id,
				Definition:  is.Rule.Definition,
				Description: is.Rule.Description,
				Severity:    &sev,
			}
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

func encodePoint(p Point) *wirePoint {
	line, char := p.LineNumber, p.CharNumber
	return &wirePoint{LineNumber: &line, CharNumber: &char}
}
