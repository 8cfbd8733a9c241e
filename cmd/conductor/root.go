package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent execution orchestration engine",
	Long: `Conductor turns free-form requests into dependency-ordered plans and
executes them across a catalog of workers.

A submitted request is decomposed into steps by a plan builder, validated
as an acyclic dependency graph, and executed with bounded parallelism.
Failed steps are classified, retried with backoff, rerouted to alternative
workers, or escalated for human review. Checkpoints are saved after every
settled step so interrupted runs can resume where they left off.

Core capabilities:
- Builds plans from plain-language requests via an inference model
- Runs independent steps in parallel, honoring declared dependencies
- Serializes access to shared resources with TTL locks
- Caches repeated step results to avoid redundant work
- Streams live progress events while a run executes
- Resumes interrupted runs from their latest checkpoint`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
