package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kharren/nexus/pkg/models"
)

var (
	submitTier   string
	submitLabels []string
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-ref> [description]",
	Short: "Accept a task and create its workflow",
	Long: `Create a workflow for a task reference.

Without --tier the task is routed from its labels and description:
explicit workflow:* labels win, then urgency keywords pick fast-track,
defect keywords pick shortened, and everything else gets the fallback
tier. The workflow starts immediately; the first step launches on the
daemon's next tick.

Examples:
  nexusd submit ISSUE-42 "hotfix: checkout 500s under load"
  nexusd submit ISSUE-43 --tier full
  nexusd submit ISSUE-44 --label workflow:shortened`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTier, "tier", "", "Tier to use, bypassing routing (full, shortened, fast-track)")
	submitCmd.Flags().StringArrayVar(&submitLabels, "label", nil, "Task label, repeatable")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	taskRef := args[0]
	text := strings.Join(args[1:], " ")

	var id string
	var tierName models.Tier
	if submitTier != "" {
		tierName = models.Tier(submitTier)
		if !tierName.Valid() {
			return fmt.Errorf("unknown tier %q", submitTier)
		}
		id, err = eng.orch.CreateWorkflow(taskRef, tierName)
	} else {
		id, tierName, err = eng.orch.RouteTask(taskRef, submitLabels, text)
	}
	if err != nil {
		return err
	}

	color.Green("✓ workflow %s created for %s", id, taskRef)
	fmt.Printf("  tier: %s\n", tierName)
	if catalog, err := loadCatalog(eng.cfg); err == nil {
		if def := catalog.Get(tierName); def != nil {
			fmt.Print(def.Format())
		}
	}
	return nil
}
