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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lintbridge/services/engine"
)

const sampleOutput = `[
  {
    "Rule": {"ID": "STL001", "Definition": "Stage name", "Description": "Stage names should be lower case", "Severity": "Warning"},
    "IsViolated": true,
    "LocationRange": {"Start": {"LineNumber": 3, "CharNumber": 2}, "End": {"LineNumber": 3, "CharNumber": 10}},
    "Message": "Stage name is not lower case"
  },
  {
    "Rule": {"ID": "RUN002", "Definition": "apt-get", "Description": "", "Severity": "error"},
    "IsViolated": true,
    "LocationRange": {"Start": {"LineNumber": 5, "CharNumber": 0}, "End": {"LineNumber": 6, "CharNumber": 4}},
    "Message": "Missing -y"
  },
  {
    "Rule": {"ID": "STL001", "Definition": "Stage name", "Description": "Stage names should be lower case", "Severity": "Warning"},
    "IsViolated": true,
    "LocationRange": {"Start": {"LineNumber": 9, "CharNumber": 5}, "End": {"LineNumber": 9, "CharNumber": 7}},
    "Message": "Stage name is not lower case"
  }
]`

func TestDecode_Valid(t *testing.T) {
	issues, err := Decode([]byte(sampleOutput))
	require.NoError(t, err)
	require.Len(t, issues, 3)

	first := issues[0]
	assert.Equal(t, "STL001", first.RuleID())
	assert.Equal(t, "Warning", first.Rule.Severity)
	assert.True(t, first.IsViolated)
	assert.Equal(t, Range{Start: Point{3, 2}, End: Point{3, 10}}, first.Location)
	assert.Equal(t, "Stage name is not lower case", first.Message)

	assert.Equal(t, "RUN002", issues[1].RuleID())
	assert.Equal(t, Point{6, 4}, issues[1].Location.End)

	// Issues citing the same rule share it.
	assert.Same(t, issues[0].Rule, issues[2].Rule)
}

func TestDecode_NoFindings(t *testing.T) {
	for _, input := range []string{"", "   \n\t", "null", "[]"} {
		t.Run(input, func(t *testing.T) {
			issues, err := Decode([]byte(input))
			require.NoError(t, err)
			assert.Empty(t, issues)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		index int
		field string
	}{
		{
			name:  "not json",
			input: "not json",
			index: -1,
		},
		{
			name:  "object instead of array",
			input: `{"Rule": {}}`,
			index: -1,
		},
		{
			name:  "missing rule",
			input: `[{"LocationRange": {"Start": {"LineNumber": 1}, "End": {"LineNumber": 1}}}]`,
			index: 0,
			field: "Rule",
		},
		{
			name:  "missing rule id",
			input: `[{"Rule": {"Severity": "error"}, "LocationRange": {"Start": {"LineNumber": 1}, "End": {"LineNumber": 1}}}]`,
			index: 0,
			field: "Rule.ID",
		},
		{
			name:  "missing severity",
			input: `[{"Rule": {"ID": "X1"}, "LocationRange": {"Start": {"LineNumber": 1}, "End": {"LineNumber": 1}}}]`,
			index: 0,
			field: "Rule.Severity",
		},
		{
			name:  "missing start",
			input: `[{"Rule": {"ID": "X1", "Severity": "info"}, "LocationRange": {"End": {"LineNumber": 1}}}]`,
			index: 0,
			field: "LocationRange.Start",
		},
		{
			name:  "missing end",
			input: `[{"Rule": {"ID": "X1", "Severity": "info"}, "LocationRange": {"Start": {"LineNumber": 1}}}]`,
			index: 0,
			field: "LocationRange.End",
		},
		{
			name: "line zero in second issue",
			input: `[
				{"Rule": {"ID": "X1", "Severity": "info"}, "LocationRange": {"Start": {"LineNumber": 1}, "End": {"LineNumber": 1}}},
				{"Rule": {"ID": "X2", "Severity": "info"}, "LocationRange": {"Start": {"LineNumber": 0, "CharNumber": 3}, "End": {"LineNumber": 1}}}
			]`,
			index: 1,
			field: "LocationRange.Start.LineNumber",
		},
		{
			name:  "negative char",
			input: `[{"Rule": {"ID": "X1", "Severity": "info"}, "LocationRange": {"Start": {"LineNumber": 1, "CharNumber": -1}, "End": {"LineNumber": 1}}}]`,
			index: 0,
			field: "LocationRange.Start.CharNumber",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, issues)
			assert.True(t, errors.Is(err, engine.ErrMalformedOutput), "error %v should match ErrMalformedOutput", err)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tt.index, decErr.Index)
			assert.Equal(t, tt.field, decErr.Field)
		})
	}
}

func TestDecode_JSONSyntaxErrorUnwraps(t *testing.T) {
	_, err := Decode([]byte("[{"))
	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
}

func TestDecode_SkipsNonViolations(t *testing.T) {
	input := `[
		{"Rule": {"ID": "A", "Severity": "info"}, "IsViolated": false, "LocationRange": {"Start": {"LineNumber": 1}, "End": {"LineNumber": 1}}},
		{"Rule": {"ID": "B", "Severity": "info"}, "LocationRange": {"Start": {"LineNumber": 2}, "End": {"LineNumber": 2}}}
	]`
	issues, err := Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "B", issues[0].RuleID())
	assert.True(t, issues[0].IsViolated)
}

func TestEncodeDecode_PreservesFields(t *testing.T) {
	warn := &Rule{ID: "STL001", Definition: "d", Description: "desc", Severity: "warning"}
	dep := &Rule{ID: "DEP003", Severity: "Deprecation"}
	in := []*Issue{
		{Rule: warn, IsViolated: true, Location: Range{Start: Point{3, 2}, End: Point{3, 10}}, Message: "one"},
		{Rule: dep, IsViolated: true, Location: Range{Start: Point{1, 0}, End: Point{2, 0}}, Message: "two"},
		{Rule: warn, IsViolated: true, Location: Range{Start: Point{7, 1}, End: Point{7, 1}}, Message: "three"},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	for i := range in {
		assert.Equal(t, in[i].RuleID(), out[i].RuleID())
		assert.Equal(t, in[i].Rule.Severity, out[i].Rule.Severity)
		assert.Equal(t, in[i].Location, out[i].Location)
		assert.Equal(t, in[i].Message, out[i].Message)
	}
}

func TestPoint_Before(t *testing.T) {
	assert.True(t, Point{1, 5}.Before(Point{2, 0}))
	assert.True(t, Point{2, 1}.Before(Point{2, 3}))
	assert.False(t, Point{2, 3}.Before(Point{2, 3}))
	assert.False(t, Point{3, 0}.Before(Point{2, 9}))
	assert.Equal(t, "3:2", Point{3, 2}.String())
}
