// Package main provides the CLI entry point for lace, a local-first coding
// agent runtime: an event-sourced thread store, an agent turn engine, a
// tool executor with an approval gate, and a delegation subsystem.
//
// # Basic usage
//
//	lace --prompt "fix the failing test in pkg/widget"
//	lace --continue lace_20260730_ab12cd --prompt "now add a test for the edge case"
//
// # Environment variables
//
//   - LACE_DB_PATH: thread store location (default lace.db)
//   - LACE_TEST_MODE: when true, use an in-memory store and the scripted
//     test provider instead of a real LLM
//   - LACE_PROVIDER / LACE_API_KEY / LACE_MODEL: override the configured
//     provider, its credential, and default model
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
