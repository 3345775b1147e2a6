package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kharren/nexus/internal/config"
	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/internal/orchestrator"
	"github.com/kharren/nexus/internal/platform"
	"github.com/kharren/nexus/internal/state"
	"github.com/kharren/nexus/internal/tier"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Workflow orchestration engine for external agents",
	Long: `Nexusd drives multi-step workflows by dispatching each step to an
external agent process and advancing as agents signal completion.

The daemon polls on a fixed interval: it watches running steps for
progress, kills and retries stuck agents, gates steps on human
approvals, and persists every transition durably so workflows survive
restarts.

Core capabilities:
- Routes tasks to tiered workflow definitions (full, shortened, fast-track)
- Launches black-box agent processes and tracks them by handle
- Detects completion from structured artifacts or text markers
- Applies per-step retry budgets with staleness-based timeouts
- Records an append-only audit trail for every workflow`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./nexus.yaml or XDG config dir)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(watchCmd)
}

// engine bundles the wired collaborators a command needs.
type engine struct {
	cfg   *config.Config
	store *state.DB
	orch  *orchestrator.Orchestrator
}

func (e *engine) close() {
	if e.store != nil {
		e.store.Close()
	}
}

// openEngine loads configuration and wires the orchestrator over the
// shared state database. Commands run against the same durable state
// the daemon polls.
func openEngine() (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.Storage.DataDir, cfg.ArtifactDir(), cfg.SignalDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	orch := orchestrator.New(
		db,
		launcher.NewExecLauncher(cfg.Agent.Command, cfg.ArtifactDir()),
		platform.NewFile(cfg.SignalDir()),
		platform.LogNotifier{},
		catalog,
		cfg,
	)
	return &engine{cfg: cfg, store: db, orch: orch}, nil
}

func loadCatalog(cfg *config.Config) (*tier.Catalog, error) {
	if cfg.Tiers.File == "" {
		return tier.DefaultCatalog(), nil
	}
	return tier.LoadCatalog(cfg.Tiers.File)
}

// operator returns the identity recorded for operator-issued commands.
func operator() string {
	if u := os.Getenv("NEXUS_OPERATOR"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
