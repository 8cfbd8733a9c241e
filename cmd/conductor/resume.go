package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/models"
)

var resumeLatest bool

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume an interrupted run from its latest checkpoint",
	Long: `Resume a run that was interrupted before reaching a terminal state.

Without arguments, lists interrupted runs found in the state database.
With a run id (or --latest), reloads the run's plan and checkpoint,
skips steps already recorded complete, and continues execution while
streaming progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeLatest, "latest", false, "Resume the most recently created interrupted run")
	resumeCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress the progress stream, print only the result")
	resumeCmd.Flags().BoolVar(&runYes, "yes", false, "Approve continuation automatically when review is required")
}

func runResume(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	interrupted, err := rt.store.FindInterrupted()
	if err != nil {
		return fmt.Errorf("find interrupted runs: %w", err)
	}

	var runID string
	switch {
	case len(args) == 1:
		runID = args[0]
	case resumeLatest:
		if len(interrupted) == 0 {
			fmt.Println("No interrupted runs to resume.")
			return nil
		}
		runID = interrupted[len(interrupted)-1].ID
	default:
		if len(interrupted) == 0 {
			fmt.Println("No interrupted runs found.")
			return nil
		}
		fmt.Println("Interrupted runs:")
		for _, r := range interrupted {
			fmt.Printf("  %s  %-18s  %s  %s\n",
				r.ID, r.Status, r.CreatedAt.Format(time.DateTime), truncate(r.Request, 60))
		}
		fmt.Println("\nRun 'conductor resume <run-id>' to continue one of them.")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	run, err := rt.engine.Resume(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	fmt.Printf("Resuming run %s: %s\n\n", run.ID, truncate(run.Request, 80))

	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, cancelling run...")
		rt.engine.Cancel(run.ID, "interrupted from terminal")
		cancel()
	}()

	if !runQuiet {
		sub, err := rt.engine.Broker().Subscribe(run.ID)
		if err == nil {
			go streamEvents(rt.engine, sub, run.ID)
			defer rt.engine.Broker().Unsubscribe(sub)
		}
	}

	final, err := rt.engine.Wait(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("wait for run: %w", err)
	}

	printRunResult(final)
	if final.Status == models.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
