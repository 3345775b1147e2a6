// Package orchestrator contains the workflow state machine. It is the
// sole writer of workflow, step, and approval records: every other
// component either feeds it signals or renders what it persisted.
package orchestrator

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kharren/nexus/internal/config"
	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/internal/monitor"
	"github.com/kharren/nexus/internal/platform"
	"github.com/kharren/nexus/internal/state"
	"github.com/kharren/nexus/internal/tier"
	"github.com/kharren/nexus/pkg/models"
)

// LaunchHook is called after every successful agent launch with the
// workflow id and the artifact path the agent appends output to. The
// daemon uses it to register progress watches.
type LaunchHook func(workflowID, artifactPath string)

// Orchestrator drives every workflow through its definition. A single
// mutex serializes ticks and operator commands so no two code paths
// mutate the same workflow concurrently.
type Orchestrator struct {
	store    state.Store
	launcher launcher.Launcher
	platform platform.TaskPlatform
	notifier platform.Notifier
	monitor  *monitor.Monitor
	catalog  *tier.Catalog
	cfg      *config.Config

	mu  sync.Mutex
	now func() time.Time

	// progress accumulates out-of-band progress observations between
	// ticks, keyed by workflow id. Tick drains it into durable state.
	progressMu sync.Mutex
	progress   map[string]time.Time

	onLaunch LaunchHook
}

// New wires an orchestrator from its collaborators. A nil notifier
// falls back to logging.
func New(store state.Store, l launcher.Launcher, tp platform.TaskPlatform, n platform.Notifier, catalog *tier.Catalog, cfg *config.Config) *Orchestrator {
	if n == nil {
		n = platform.LogNotifier{}
	}
	return &Orchestrator{
		store:    store,
		launcher: l,
		platform: tp,
		notifier: n,
		monitor:  monitor.New(l, cfg.Poll.StuckThreshold, cfg.Retry.MaxAttempts),
		catalog:  catalog,
		cfg:      cfg,
		now:      time.Now,
		progress: make(map[string]time.Time),
	}
}

// SetNow overrides the clock for the orchestrator and its monitor.
// Used by tests.
func (o *Orchestrator) SetNow(now func() time.Time) {
	o.now = now
	o.monitor.SetNow(now)
}

// SetLaunchHook registers a callback invoked after each agent launch.
func (o *Orchestrator) SetLaunchHook(fn LaunchHook) {
	o.onLaunch = fn
}

// CreateWorkflow accepts a task into the system under the given tier.
// The workflow starts in running status with every step pending; the
// first launch happens on the next tick.
func (o *Orchestrator) CreateWorkflow(taskRef string, tierName models.Tier) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	def := o.catalog.Get(tierName)
	if def == nil {
		return "", &tier.DefinitionError{Tier: tierName, Reason: "unknown tier"}
	}
	if err := o.catalog.Validate(def); err != nil {
		return "", err
	}

	existing, err := o.store.GetWorkflowByTaskRef(taskRef)
	if err != nil {
		return "", fmt.Errorf("check existing workflow: %w", err)
	}
	if existing != nil && !existing.Status.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrDuplicateTask, existing.ID, existing.Status)
	}

	now := o.now()
	wf := &models.Workflow{
		ID:        uuid.New().String(),
		TaskRef:   taskRef,
		Tier:      tierName,
		Steps:     def.Instantiate(o.cfg.Approval.DefaultTimeout),
		Current:   0,
		Status:    models.WorkflowRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	started := o.event(wf.ID, models.EventStarted,
		fmt.Sprintf("tier=%s steps=%d task=%s", tierName, len(wf.Steps), taskRef))
	if err := o.store.CreateWorkflow(wf, started); err != nil {
		return "", fmt.Errorf("persist workflow: %w", err)
	}

	if err := o.platform.PostUpdate(taskRef, def.Format()); err != nil {
		log.Printf("[orchestrator] post workflow plan to %s: %v", taskRef, err)
	}
	log.Printf("[orchestrator] created workflow %s for %s (%s, %d steps)",
		wf.ID, taskRef, tierName, len(wf.Steps))
	return wf.ID, nil
}

// RouteTask selects a tier for the task from its labels and text, then
// creates the workflow.
func (o *Orchestrator) RouteTask(taskRef string, labels []string, text string) (string, models.Tier, error) {
	fallback := models.Tier(o.cfg.Tiers.Fallback)
	if !fallback.Valid() {
		fallback = models.TierFull
	}
	tierName := tier.SelectTier(labels, text, fallback)
	id, err := o.CreateWorkflow(taskRef, tierName)
	return id, tierName, err
}

// RecordProgress notes an out-of-band progress observation for a
// workflow, such as a write to its running step's artifact file. The
// observation is folded into durable state on the next tick.
func (o *Orchestrator) RecordProgress(workflowID string, at time.Time) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if prev, ok := o.progress[workflowID]; !ok || at.After(prev) {
		o.progress[workflowID] = at
	}
}

// drainProgress returns and clears the recorded progress time for a
// workflow, if any.
func (o *Orchestrator) drainProgress(workflowID string) (time.Time, bool) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	at, ok := o.progress[workflowID]
	if ok {
		delete(o.progress, workflowID)
	}
	return at, ok
}

// event builds a system-actor audit event stamped with the current time.
func (o *Orchestrator) event(workflowID string, kind models.EventKind, detail string) models.AuditEvent {
	return models.AuditEvent{
		WorkflowID: workflowID,
		Kind:       kind,
		Detail:     detail,
		Actor:      models.ActorSystem,
		Timestamp:  o.now(),
	}
}

// operatorEvent builds an audit event attributed to an operator.
func (o *Orchestrator) operatorEvent(workflowID string, kind models.EventKind, detail, actor string) models.AuditEvent {
	ev := o.event(workflowID, kind, detail)
	ev.Actor = actor
	return ev
}

// notify sends a fire-and-forget notification. Failures never block
// orchestration; the Notifier contract absorbs them.
func (o *Orchestrator) notify(event string, ctx map[string]string) {
	o.notifier.Notify(event, ctx)
}
