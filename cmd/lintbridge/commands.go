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
	"github.com/spf13/cobra"
)

// Set by the build with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath   string
	logLevelFlag string
	engineDir    string
	outputFormat string
	jobs         int
	statusAddr   string
	withStatus   bool
	debounceFlag string

	rootCmd = &cobra.Command{
		Use:   "lintbridge",
		Short: "Run the whalelint Dockerfile linter and publish its diagnostics",
		Long: `lintbridge drives the whalelint engine either once per file or as a
long-lived language server session, and turns its findings into
editor-ready diagnostics with documentation links.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  setupApp,
		PersistentPostRunE: teardownApp,
	}

	// --- One-shot ---
	checkCmd = &cobra.Command{
		Use:   "check [Dockerfile...]",
		Short: "Analyze files once and print their diagnostics",
		Long: `Analyze each file with a separate engine run, at most --jobs at a time.
Exits 1 when any diagnostic has error severity and 2 when a file could
not be analyzed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCheck, // Defined in cmd_check.go
	}

	// --- Long-lived ---
	sessionCmd = &cobra.Command{
		Use:   "session [Dockerfile...]",
		Short: "Start the engine's language server and stream diagnostics for open files",
		RunE:  runSession, // Defined in cmd_session.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch [path...]",
		Short: "Re-analyze Dockerfiles whenever they change on disk",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWatch, // Defined in cmd_watch.go
	}

	// --- Utilities ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the lintbridge version and the resolved engine path",
		RunE:  runVersion, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.lintbridge/lintbridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&engineDir, "engine-dir", "",
		"Directory the whalelint binary is resolved against")

	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
	checkCmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "Maximum concurrent engine runs")

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
	sessionCmd.Flags().BoolVar(&withStatus, "status", false, "Serve the status API while running")
	sessionCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Status API listen address (default from config)")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
	watchCmd.Flags().StringVar(&debounceFlag, "debounce", "200ms", "Quiet period before re-analyzing a changed file")
	watchCmd.Flags().BoolVar(&withStatus, "status", false, "Serve the status API while running")
	watchCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Status API listen address (default from config)")

	rootCmd.AddCommand(versionCmd)
}
