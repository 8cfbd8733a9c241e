package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

var (
	runRequester string
	runQuiet     bool
	runYes       bool
	runSignals   bool
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Submit a request and execute it to completion",
	Long: `Submit a free-form request for orchestrated execution.

The request is decomposed into a plan of steps, each bound to a worker
from the catalog. Independent steps run in parallel; steps that declare
dependencies wait for them. Progress is streamed to the terminal until
the run reaches a terminal state.

When a partial failure needs a human decision, the run pauses and the
command prompts for approval. Use --yes to approve automatically, or
--signals to also accept decisions via files dropped into the signals
directory (<run-id>.approve, <run-id>.reject, <run-id>.cancel).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringVar(&runRequester, "requester", "cli", "Requester identity recorded on the run")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress the progress stream, print only the result")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "Approve continuation automatically when review is required")
	runCmd.Flags().BoolVar(&runSignals, "signals", false, "Watch the signals directory for cancel/approve/reject files")
}

func runRequest(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var watcher *engine.ControlWatcher
	if runSignals {
		watcher, err = engine.NewControlWatcher(rt.engine, rt.cfg.Paths.SignalsDir)
		if err != nil {
			return fmt.Errorf("start control watcher: %w", err)
		}
		defer watcher.Close()
		fmt.Printf("Watching %s for control signals\n", watcher.SignalsDir())
	}

	fmt.Printf("Planning: %s\n", request)
	run, err := rt.engine.Submit(ctx, runRequester, request)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	fmt.Printf("Run %s started (%d steps)\n\n", run.ID, len(run.Plan.Steps))

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

var (
	stepColor     = color.New(color.FgCyan)
	okColor       = color.New(color.FgGreen)
	errColor      = color.New(color.FgRed)
	warnColor     = color.New(color.FgYellow, color.Bold)
	faintColor    = color.New(color.Faint)
	headlineColor = color.New(color.Bold)
)

// streamEvents renders progress events until the stream closes or the
// complete event arrives. Approval requests prompt on stdin unless --yes
// was given.
func streamEvents(eng *engine.Engine, sub *engine.Subscription, runID string) {
	for ev := range sub.C {
		switch ev.Type {
		case engine.EventProgress:
			stepID, _ := ev.Data["stepId"].(string)
			status, _ := ev.Data["status"].(string)
			percent, _ := ev.Data["percent"].(float64)
			stepColor.Printf("  [%3.0f%%] %s %s\n", percent, stepID, status)
		case engine.EventLog:
			msg, _ := ev.Data["message"].(string)
			faintColor.Printf("  %s\n", msg)
		case engine.EventPartialResult:
			stepID, _ := ev.Data["stepId"].(string)
			output, _ := ev.Data["output"].(string)
			okColor.Printf("  done %s", stepID)
			if line := firstLine(output); line != "" {
				fmt.Printf(": %s", line)
			}
			fmt.Println()
		case engine.EventError:
			stepID, _ := ev.Data["stepId"].(string)
			category, _ := ev.Data["category"].(string)
			msg, _ := ev.Data["message"].(string)
			errColor.Printf("  error %s [%s]: %s\n", stepID, category, msg)
		case engine.EventApprovalRequired:
			reason, _ := ev.Data["reason"].(string)
			warnColor.Printf("\n  Review required: %s\n", reason)
			go decideApproval(eng, runID)
		case engine.EventComplete:
			return
		}
	}
}

// decideApproval resolves a paused run, either automatically with --yes
// or by prompting on stdin.
func decideApproval(eng *engine.Engine, runID string) {
	if runYes {
		fmt.Println("  --yes given, continuing with remaining steps")
		eng.Approve(runID, true)
		return
	}
	if runSignals {
		fmt.Println("  decide via signals dir, or answer below")
	}

	fmt.Print("  Continue with remaining steps? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	proceed := strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y")
	// The signals watcher may have resolved the run already; a second
	// decision is rejected by the engine and safely ignored here.
	eng.Approve(runID, proceed)
}

func printRunResult(run *models.Run) {
	fmt.Println()
	switch run.Status {
	case models.RunStatusCompleted:
		if run.Result != nil && run.Result.Degraded() {
			warnColor.Printf("Run %s completed with degraded results\n", run.ID)
		} else {
			okColor.Printf("Run %s completed\n", run.ID)
		}
	case models.RunStatusFailed:
		errColor.Printf("Run %s failed\n", run.ID)
		if run.Error != "" {
			errColor.Printf("  %s\n", run.Error)
		}
	default:
		headlineColor.Printf("Run %s is %s\n", run.ID, run.Status)
	}

	if run.Result == nil {
		return
	}
	fmt.Printf("  steps: %d completed, %d failed, %d skipped\n",
		run.Result.Completed, run.Result.Failed, run.Result.Skipped)
	fmt.Printf("  duration: %s\n", run.Result.Duration.Round(10*time.Millisecond))
	if tokens := run.Result.Usage.InputTokens + run.Result.Usage.OutputTokens; tokens > 0 {
		fmt.Printf("  tokens: %d in / %d out\n",
			run.Result.Usage.InputTokens, run.Result.Usage.OutputTokens)
	}
	if run.Result.Summary != "" {
		fmt.Println("\nSummary:")
		for _, line := range strings.Split(strings.TrimRight(run.Result.Summary, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:97] + "..."
	}
	return s
}
