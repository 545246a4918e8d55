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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lintbridge/services/engine/document"
	"github.com/AleutianAI/lintbridge/services/engine/oneshot"
	"github.com/AleutianAI/lintbridge/services/engine/publish"
)

func runCheck(cmd *cobra.Command, args []string) error {
	logCommandStart(cmd.Name(), args)

	r, err := newRenderer(cmd.OutOrStdout(), outputFormat)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	inv := current.invoker()
	if _, err := inv.Executable(); err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	reps, err := checkFiles(cmd.Context(), inv, current.publisher(), args, jobs)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	if err := r.reports(reps); err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	return checkExit(reps)
}

// checkFiles analyzes paths concurrently and builds one report per path,
// in argument order.
func checkFiles(ctx context.Context, inv *oneshot.Invoker, pub *publish.Publisher, paths []string, jobs int) ([]report, error) {
	results, err := inv.AnalyzeFiles(ctx, paths, jobs)
	if err != nil {
		return nil, err
	}

	reps := make([]report, len(results))
	for i, fr := range results {
		rep := report{Path: fr.Path, Diagnostics: []publish.Diagnostic{}}
		uri, err := fileURI(fr.Path)
		if err != nil {
			rep.Error = err.Error()
			reps[i] = rep
			continue
		}
		rep.URI = uri

		if fr.Err != nil {
			rep.Error = fr.Err.Error()
			reps[i] = rep
			continue
		}
		rep.Warning = fr.Result.Warning

		doc := document.New(uri, 0, string(fr.Content))
		diags, err := pub.Build(doc, fr.Result.Issues)
		switch {
		case err != nil:
			rep.Error = fmt.Sprintf("building diagnostics: %v", err)
		case diags != nil:
			rep.Diagnostics = diags
		}
		reps[i] = rep
	}
	return reps, nil
}

// checkExit is nil when every file was analyzed and nothing has error
// severity.
func checkExit(reps []report) error {
	for _, rep := range reps {
		if rep.Error != "" {
			return &exitError{code: exitFatal}
		}
	}
	if hasErrors(reps) {
		return &exitError{code: exitFindings}
	}
	return nil
}
