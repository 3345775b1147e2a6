package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kharren/nexus/pkg/models"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <workflow-id>",
	Short: "Freeze a workflow's advancement",
	Long: `Pause a running workflow.

The currently running step keeps running and its completion is still
detected, but no new step launches until resume.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(args[0], "paused", func(eng *engine) error {
			return eng.orch.Pause(args[0], operator())
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a paused workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(args[0], "resumed", func(eng *engine) error {
			return eng.orch.Resume(args[0], operator())
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <workflow-id>",
	Short: "Stop a workflow permanently",
	Long: `Stop a workflow. The running step's agent process, if any, is
killed. Stopped is terminal: the workflow never advances again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(args[0], "stopped", func(eng *engine) error {
			return eng.orch.Stop(args[0], operator())
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <workflow-id>",
	Short: "Approve the workflow's pending step",
	Long: `Approve the step gated behind the workflow's open approval.
The step launches on the daemon's next tick.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(args[0], "approved", func(eng *engine) error {
			return eng.orch.DecideApproval(args[0], models.ApprovalApproved, operator())
		})
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <workflow-id>",
	Short: "Deny the workflow's pending step",
	Long:  `Deny the gated step. The step and the workflow fail permanently.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(args[0], "denied", func(eng *engine) error {
			return eng.orch.DecideApproval(args[0], models.ApprovalDenied, operator())
		})
	},
}

func control(workflowID, verb string, fn func(*engine) error) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if err := fn(eng); err != nil {
		return err
	}
	color.Green("✓ workflow %s %s", workflowID, verb)
	return nil
}
