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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/AleutianAI/lintbridge/services/engine/finding"
	"github.com/AleutianAI/lintbridge/services/engine/severity"
)

// ConvertDiagnostics turns a publishDiagnostics payload into issues.
//
// Description:
//
//	Protocol positions are zero-based; issue points use one-based lines and
//	zero-based characters. The diagnostic code becomes the rule ID and must
//	be present. Rules with the same ID share one *finding.Rule.
//
//	Conversion is all or nothing: one bad diagnostic rejects the whole set,
//	so a partial result never replaces a complete one.
//
// Outputs:
//
//	[]*finding.Issue - One issue per diagnostic, in order.
//	error - Wraps ErrInvalidDiagnostic, naming the offending index.
func ConvertDiagnostics(diags []Diagnostic) ([]*finding.Issue, error) {
	rules := make(map[string]*finding.Rule)
	issues := make([]*finding.Issue, 0, len(diags))

	for i, d := range diags {
		id, err := codeString(d.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: diagnostic %d: %v", ErrInvalidDiagnostic, i, err)
		}
		if d.Range.Start.Line < 0 || d.Range.End.Line < 0 ||
			d.Range.Start.Character < 0 || d.Range.End.Character < 0 {
			return nil, fmt.Errorf("%w: diagnostic %d: negative position", ErrInvalidDiagnostic, i)
		}

		rule, ok := rules[id]
		if !ok {
			level := severity.FromProtocol(d.Severity)
			rule = &finding.Rule{
				ID:          id,
				Description: d.Message,
				Severity:    level.Label(),
			}
			rules[id] = rule
		}

		issues = append(issues, &finding.Issue{
			Rule:       rule,
			IsViolated: true,
			Location: finding.Range{
				Start: finding.Point{LineNumber: d.Range.Start.Line + 1, CharNumber: d.Range.Start.Character},
				End:   finding.Point{LineNumber: d.Range.End.Line + 1, CharNumber: d.Range.End.Character},
			},
			Message: d.Message,
		})
	}
	return issues, nil
}

// codeString accepts a JSON string or number.
func codeString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing code")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("code: %v", err)
		}
		if s == "" {
			return "", fmt.Errorf("empty code")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("code must be a string or number")
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", fmt.Errorf("code must be a string or number")
	}
	return n.String(), nil
}
