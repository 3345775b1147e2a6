package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kharren/nexus/pkg/models"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Long: `Display workflow state.

Without arguments, lists live workflows (running, paused, awaiting
approval). With a workflow id, shows the full step breakdown. Use
--all to include completed, failed, and stopped workflows in the list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include terminal workflows")
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if len(args) == 1 {
		snap, err := eng.orch.GetStatus(args[0])
		if err != nil {
			return err
		}
		printWorkflow(snap)
		return nil
	}

	statuses := []models.WorkflowStatus{
		models.WorkflowRunning, models.WorkflowPaused, models.WorkflowAwaitingApproval,
	}
	if statusAll {
		statuses = nil
	}
	snaps, err := eng.orch.ListSnapshots(statuses...)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No workflows. Run 'nexusd submit <task-ref>' to start one.")
		return nil
	}

	for _, snap := range snaps {
		fmt.Printf("%s  %-18s %-10s %s  %.0f%% (%d/%d)\n",
			statusColor(snap.Status).Sprintf("%-18s", snap.Status),
			snap.TaskRef, snap.Tier, snap.ID[:8],
			snap.Progress, snap.CompletedSteps, snap.TotalSteps)
	}
	return nil
}

func printWorkflow(snap models.Snapshot) {
	fmt.Printf("Workflow %s\n", snap.ID)
	fmt.Printf("  task:     %s\n", snap.TaskRef)
	fmt.Printf("  tier:     %s\n", snap.Tier)
	fmt.Printf("  status:   %s\n", statusColor(snap.Status).Sprint(snap.Status))
	fmt.Printf("  progress: %.0f%% (%d/%d steps)\n", snap.Progress, snap.CompletedSteps, snap.TotalSteps)
	fmt.Printf("  created:  %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  updated:  %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()

	for i, s := range snap.Steps {
		marker := "  "
		if i == snap.Current && !snap.Status.Terminal() {
			marker = "> "
		}
		line := fmt.Sprintf("%sStep %d: @%-12s %-10s attempts=%d  %s",
			marker, i+1, s.Agent, stepColor(s.Status).Sprint(s.Status), s.Attempts, s.Description)
		if s.Final {
			line += " (final)"
		}
		fmt.Println(strings.TrimRight(line, " "))
		if s.Reason != "" {
			fmt.Printf("      reason: %s\n", s.Reason)
		}
	}
}

func statusColor(s models.WorkflowStatus) *color.Color {
	switch s {
	case models.WorkflowRunning:
		return color.New(color.FgGreen)
	case models.WorkflowPaused, models.WorkflowAwaitingApproval:
		return color.New(color.FgYellow)
	case models.WorkflowCompleted:
		return color.New(color.FgCyan)
	case models.WorkflowFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

func stepColor(s models.StepStatus) *color.Color {
	switch s {
	case models.StepRunning:
		return color.New(color.FgGreen)
	case models.StepSucceeded:
		return color.New(color.FgCyan)
	case models.StepFailed:
		return color.New(color.FgRed)
	case models.StepSkipped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
