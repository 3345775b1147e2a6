package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kharren/nexus/internal/config"
	"github.com/kharren/nexus/pkg/models"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List the workflow tier definitions",
	Long: `Print every tier in the active catalog with its step chain.

The catalog comes from tiers.file in the configuration, falling back
to the built-in full, shortened, and fast-track definitions.`,
	RunE: runTiers,
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(catalog.Definitions))
	for name := range catalog.Definitions {
		names = append(names, string(name))
	}
	sort.Strings(names)

	for i, name := range names {
		if i > 0 {
			fmt.Println()
		}
		fmt.Print(catalog.Definitions[models.Tier(name)].Format())
	}
	return nil
}
