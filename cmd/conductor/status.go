package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/state"
	"github.com/conductorhq/conductor/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs or the details of one run",
	Long: `Display run state from the conductor database.

Without arguments, lists recent runs with their status and progress.
With a run id, shows the run's plan, per-step outcomes, checkpoint
history, and aggregated result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of recent runs to list")
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Faint(true)

	statusStyles = map[models.RunStatus]lipgloss.Style{
		models.RunStatusPending:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.RunStatusRunning:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.RunStatusBlocked:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		models.RunStatusNeedsReview: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		models.RunStatusCompleted:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.RunStatusFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	stepStyles = map[models.StepStatus]lipgloss.Style{
		models.StepStatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StepStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StepStatusSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.StepStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
)

func renderRunStatus(s models.RunStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

func renderStepStatus(s models.StepStatus) string {
	if style, ok := stepStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return showRun(db, args[0])
	}
	return listRuns(db)
}

func listRuns(db *state.DB) error {
	runs, err := db.ListRuns(statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'conductor run <request>' to start one.")
		return nil
	}

	fmt.Println(titleStyle.Render("Recent runs"))
	for _, r := range runs {
		progress := ""
		if r.Plan != nil {
			progress = fmt.Sprintf(" %d/%d", r.CurrentStep, len(r.Plan.Steps))
		}
		fmt.Printf("  %s  %-28s%s  %s  %s\n",
			r.ID,
			renderRunStatus(r.Status),
			progress,
			labelStyle.Render(r.CreatedAt.Format(time.DateTime)),
			truncate(r.Request, 50))
	}
	return nil
}

func showRun(db *state.DB, runID string) error {
	run, err := db.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Run " + run.ID))
	fmt.Printf("  %s %s\n", labelStyle.Render("status:"), renderRunStatus(run.Status))
	fmt.Printf("  %s %s\n", labelStyle.Render("requester:"), run.Requester)
	fmt.Printf("  %s %s\n", labelStyle.Render("request:"), run.Request)
	fmt.Printf("  %s %s\n", labelStyle.Render("created:"), run.CreatedAt.Format(time.DateTime))
	if run.Error != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("error:"), run.Error)
	}

	if run.Plan != nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("Steps"))
		for _, step := range run.Plan.Steps {
			line := fmt.Sprintf("  [%d] %-12s %s  %s",
				step.Ordinal, renderStepStatus(step.Status), step.WorkerID,
				truncate(step.Description, 60))
			if len(step.DependsOn) > 0 {
				line += labelStyle.Render("  after " + strings.Join(step.DependsOn, ", "))
			}
			fmt.Println(line)
			if step.Error != "" {
				fmt.Printf("        %s\n", stepStyles[models.StepStatusFailed].Render(step.Error))
			}
		}
	}

	checkpoints, err := db.ListCheckpoints(runID)
	if err == nil && len(checkpoints) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Checkpoints"))
		for _, cp := range checkpoints {
			fmt.Printf("  #%d  %s  %d completed, %d failed, %d skipped\n",
				cp.Number, labelStyle.Render(cp.CreatedAt.Format(time.DateTime)),
				len(cp.CompletedSteps), len(cp.FailedSteps), len(cp.SkippedSteps))
		}
	}

	if run.Result != nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("Result"))
		fmt.Printf("  %d completed, %d failed, %d skipped in %s\n",
			run.Result.Completed, run.Result.Failed, run.Result.Skipped,
			run.Result.Duration.Round(10*time.Millisecond))
	}
	return nil
}
