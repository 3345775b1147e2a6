package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kharren/nexus/pkg/models"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit <workflow-id>",
	Short: "Show a workflow's audit trail",
	Long: `Print the append-only audit trail for a workflow in occurrence
order: launches, timeout kills, retries, completions, operator
commands, and approval decisions.`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Show only the most recent N events (0 = all)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	events, err := eng.orch.GetAuditTrail(args[0], auditLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}

	for _, ev := range events {
		fmt.Printf("%s  %s  %-20s %s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"),
			eventColor(ev.Kind).Sprintf("%-18s", ev.Kind),
			ev.Actor, ev.Detail)
	}
	return nil
}

func eventColor(kind models.EventKind) *color.Color {
	switch kind {
	case models.EventFailed, models.EventTimeoutKill, models.EventApprovalDenied, models.EventApprovalExpired:
		return color.New(color.FgRed)
	case models.EventRetry, models.EventPaused, models.EventApprovalRequested:
		return color.New(color.FgYellow)
	case models.EventCompleted, models.EventStepCompleted, models.EventApprovalGranted:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgWhite)
	}
}
