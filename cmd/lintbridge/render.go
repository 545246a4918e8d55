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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/lintbridge/services/engine/publish"
	"github.com/AleutianAI/lintbridge/services/engine/severity"
)

// report is the outcome of analyzing one file.
type report struct {
	Path        string               `json:"path"`
	URI         string               `json:"uri,omitempty"`
	Diagnostics []publish.Diagnostic `json:"diagnostics"`
	Warning     string               `json:"warning,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type styles struct {
	path    lipgloss.Style
	error   lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	hint    lipgloss.Style
	rule    lipgloss.Style
	link    lipgloss.Style
	summary lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain, plain, plain}
	}
	return styles{
		path:    lipgloss.NewStyle().Bold(true),
		error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5484D")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#F5A524")),
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("#20B9B4")),
		hint:    lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54")).Faint(true),
		rule:    lipgloss.NewStyle().Foreground(lipgloss.Color("#1D9EA3")),
		link:    lipgloss.NewStyle().Underline(true).Faint(true),
		summary: lipgloss.NewStyle().Bold(true),
	}
}

// renderer prints reports and publish events as text or JSON.
type renderer struct {
	w      io.Writer
	json   bool
	styles styles
}

func newRenderer(w io.Writer, format string) (*renderer, error) {
	switch format {
	case "text", "":
		return &renderer{w: w, styles: newStyles(colorEnabled(w))}, nil
	case "json":
		return &renderer{w: w, json: true, styles: newStyles(false)}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

// colorEnabled is true for terminals unless NO_COLOR is set.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (r *renderer) severity(l severity.Level) string {
	name := l.String()
	switch l {
	case severity.Error:
		return r.styles.error.Render(name)
	case severity.Warning:
		return r.styles.warning.Render(name)
	case severity.Hint:
		return r.styles.hint.Render(name)
	default:
		return r.styles.info.Render(name)
	}
}

// diagnostic renders one diagnostic as "path:line:col: level RULE message".
func (r *renderer) diagnostic(path string, d publish.Diagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d:%d: %s %s %s",
		r.styles.path.Render(path),
		d.Location.Start.LineNumber,
		d.Location.Start.CharNumber+1,
		r.severity(d.Severity),
		r.styles.rule.Render(d.RuleID),
		d.Message,
	)
	if d.Remediation != nil {
		fmt.Fprintf(&b, "\n    %s", r.styles.link.Render(d.Remediation.URL))
	}
	return b.String()
}

// reports prints every report, then a summary in text mode.
func (r *renderer) reports(reps []report) error {
	if r.json {
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(reps)
	}

	counts := map[severity.Level]int{}
	total, failed := 0, 0
	for _, rep := range reps {
		if rep.Error != "" {
			failed++
			fmt.Fprintf(r.w, "%s: %s %s\n", r.styles.path.Render(rep.Path), r.styles.error.Render("failed"), rep.Error)
			continue
		}
		if rep.Warning != "" {
			fmt.Fprintf(r.w, "%s: %s %s\n", r.styles.path.Render(rep.Path), r.styles.warning.Render("engine warning"), rep.Warning)
		}
		for _, d := range rep.Diagnostics {
			counts[d.Severity]++
			total++
			fmt.Fprintln(r.w, r.diagnostic(rep.Path, d))
		}
	}

	_, err := fmt.Fprintln(r.w, r.styles.summary.Render(summarize(len(reps), failed, total, counts)))
	return err
}

func summarize(files, failed, total int, counts map[severity.Level]int) string {
	var parts []string
	for _, l := range []severity.Level{severity.Error, severity.Warning, severity.Information, severity.Hint} {
		if n := counts[l]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, l))
		}
	}
	s := fmt.Sprintf("%d file(s), %d diagnostic(s)", files, total)
	if len(parts) > 0 {
		s += " (" + strings.Join(parts, ", ") + ")"
	}
	if failed > 0 {
		s += fmt.Sprintf(", %d failed", failed)
	}
	return s
}

// event prints a diagnostics change. JSON mode writes one object per line.
func (r *renderer) event(path string, ev publish.Event) error {
	if r.json {
		return json.NewEncoder(r.w).Encode(ev)
	}
	if ev.Cleared {
		_, err := fmt.Fprintf(r.w, "%s: closed\n", r.styles.path.Render(path))
		return err
	}
	if len(ev.Diagnostics) == 0 {
		_, err := fmt.Fprintf(r.w, "%s: no problems (version %d)\n", r.styles.path.Render(path), ev.Version)
		return err
	}
	for _, d := range ev.Diagnostics {
		if _, err := fmt.Fprintln(r.w, r.diagnostic(path, d)); err != nil {
			return err
		}
	}
	return nil
}

// hasErrors reports whether any diagnostic has error severity.
func hasErrors(reps []report) bool {
	for _, rep := range reps {
		for _, d := range rep.Diagnostics {
			if d.Severity == severity.Error {
				return true
			}
		}
	}
	return false
}
