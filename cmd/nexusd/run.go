package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kharren/nexus/internal/monitor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration daemon",
	Long: `Run the polling loop that drives every live workflow.

On startup the daemon recovers workflows left over from a previous
process: steps whose recorded agent process died while the daemon was
down are routed through the normal timeout and retry path.

Each tick the daemon reads new signals for every live workflow, applies
timeout and completion verdicts, and launches the next step where one
is due. Stop with SIGINT or SIGTERM; running agents are left alive and
picked up again on the next start.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Artifact writes count as progress so a chatty agent is never
	// killed for taking its time.
	watcher, err := monitor.NewProgressWatcher(func(key string, at time.Time) {
		eng.orch.RecordProgress(key, at)
	})
	if err != nil {
		return fmt.Errorf("start progress watcher: %w", err)
	}
	defer watcher.Close()
	eng.orch.SetLaunchHook(func(workflowID, artifactPath string) {
		if err := watcher.Watch(workflowID, artifactPath); err != nil {
			log.Printf("[daemon] watch artifact %s: %v", artifactPath, err)
		}
	})

	recovered, err := eng.orch.Recover()
	if err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	log.Printf("[daemon] recovered %d live workflows", recovered)

	log.Printf("[daemon] polling every %v (stuck threshold %v, max attempts %d)",
		eng.cfg.Poll.Interval, eng.cfg.Poll.StuckThreshold, eng.cfg.Retry.MaxAttempts)

	ticker := time.NewTicker(eng.cfg.Poll.Interval)
	defer ticker.Stop()

	if err := eng.orch.Tick(ctx); err != nil {
		log.Printf("[daemon] tick: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Printf("[daemon] shutting down")
			return nil
		case <-ticker.C:
			if err := eng.orch.Tick(ctx); err != nil {
				log.Printf("[daemon] tick: %v", err)
			}
		}
	}
}
