package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kharren/nexus/internal/config"
	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/internal/platform"
	"github.com/kharren/nexus/internal/state"
	"github.com/kharren/nexus/internal/tier"
	"github.com/kharren/nexus/pkg/models"
)

// fakeClock is a settable clock shared by an orchestrator under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeLauncher records launches and lets tests script failures.
type fakeLauncher struct {
	mu         sync.Mutex
	launches   []launcher.Spec
	terminated []int
	alive      map[int]bool
	failNext   int
	nextPID    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{alive: make(map[int]bool), nextPID: 1000}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return launcher.Handle{}, &launcher.LaunchError{Agent: spec.Agent, Err: errors.New("spawn refused")}
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	f.launches = append(f.launches, spec)
	return launcher.Handle{
		PID:          f.nextPID,
		ArtifactPath: fmt.Sprintf("/tmp/%s-%s.log", spec.WorkflowID, spec.StepName),
	}, nil
}

func (f *fakeLauncher) Terminate(h launcher.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h.PID)
	f.alive[h.PID] = false
	return nil
}

func (f *fakeLauncher) IsAlive(h launcher.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h.PID]
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

// fakeNotifier records notification events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(event string, context map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

// env bundles an orchestrator with its fakes for a test.
type env struct {
	t      *testing.T
	clock  *fakeClock
	store  *state.DB
	launch *fakeLauncher
	plat   *platform.Memory
	notes  *fakeNotifier
	orch   *Orchestrator
	cfg    *config.Config
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Poll: config.PollConfig{
			Interval:       20 * time.Second,
			StuckThreshold: 60 * time.Second,
		},
		Retry: config.RetryConfig{
			MaxAttempts:        3,
			RecentLaunchWindow: 30 * time.Second,
		},
		Approval: config.ApprovalConfig{DefaultTimeout: 24 * time.Hour},
		Storage:  config.StorageConfig{DataDir: t.TempDir()},
		Tiers:    config.TiersConfig{Fallback: "full"},
	}
}

func testCatalog(t *testing.T, defs ...*tier.Definition) *tier.Catalog {
	t.Helper()
	c, err := tier.NewCatalog([]string{"Planner", "Builder", "Tester", "Deployer"}, defs...)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

func threeStepDef() *tier.Definition {
	return &tier.Definition{
		Tier: models.TierFastTrack,
		Steps: []tier.StepDef{
			{Name: "plan", Agent: "Planner", Description: "plan the change", Outputs: []string{"plan"}},
			{Name: "build", Agent: "Builder", Description: "build it", Inputs: []string{"plan"}, Outputs: []string{"branch"}},
			{Name: "verify", Agent: "Tester", Description: "verify it", Inputs: []string{"branch"}},
		},
	}
}

func newEnv(t *testing.T, defs ...*tier.Definition) *env {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := &env{
		t:      t,
		clock:  newFakeClock(),
		store:  db,
		launch: newFakeLauncher(),
		plat:   platform.NewMemory(),
		notes:  &fakeNotifier{},
		cfg:    testConfig(t),
	}
	e.orch = New(db, e.launch, e.plat, e.notes, testCatalog(t, defs...), e.cfg)
	e.orch.SetNow(e.clock.Now)
	return e
}

func (e *env) create(taskRef string, tierName models.Tier) string {
	e.t.Helper()
	id, err := e.orch.CreateWorkflow(taskRef, tierName)
	if err != nil {
		e.t.Fatalf("create workflow: %v", err)
	}
	return id
}

func (e *env) tick() {
	e.t.Helper()
	if err := e.orch.Tick(context.Background()); err != nil {
		e.t.Fatalf("tick: %v", err)
	}
}

// signalComplete queues a structured success artifact stamped with the
// fake clock.
func (e *env) signalComplete(taskRef string, outputs map[string]string) {
	e.plat.AddSignal(taskRef, models.Signal{
		ObservedAt: e.clock.Now(),
		Artifact: &models.CompletionArtifact{
			Status:  models.ArtifactComplete,
			Outputs: outputs,
		},
	})
}

func (e *env) snapshot(id string) models.Snapshot {
	e.t.Helper()
	snap, err := e.orch.GetStatus(id)
	if err != nil {
		e.t.Fatalf("get status: %v", err)
	}
	return snap
}

func (e *env) events(id string) []models.AuditEvent {
	e.t.Helper()
	evs, err := e.orch.GetAuditTrail(id, 0)
	if err != nil {
		e.t.Fatalf("audit trail: %v", err)
	}
	return evs
}

func countEvents(evs []models.AuditEvent, kind models.EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestCreateWorkflow(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)

	snap := e.snapshot(id)
	if snap.Status != models.WorkflowRunning {
		t.Errorf("status = %s, want running", snap.Status)
	}
	if snap.Current != 0 || snap.TotalSteps != 3 {
		t.Errorf("current=%d total=%d, want 0/3", snap.Current, snap.TotalSteps)
	}
	for _, s := range snap.Steps {
		if s.Status != models.StepPending {
			t.Errorf("step %s = %s, want pending", s.Name, s.Status)
		}
	}
	if got := countEvents(e.events(id), models.EventStarted); got != 1 {
		t.Errorf("STARTED events = %d, want 1", got)
	}
	if e.launch.launchCount() != 0 {
		t.Error("creation must not launch; the first launch happens on tick")
	}
}

func TestCreateWorkflowUnknownTier(t *testing.T) {
	e := newEnv(t, threeStepDef())
	_, err := e.orch.CreateWorkflow("TASK-1", models.TierFull)
	var defErr *tier.DefinitionError
	if !errors.As(err, &defErr) {
		t.Fatalf("error = %v, want *tier.DefinitionError", err)
	}
}

func TestCreateWorkflowDuplicateTask(t *testing.T) {
	e := newEnv(t, threeStepDef())
	e.create("TASK-1", models.TierFastTrack)

	if _, err := e.orch.CreateWorkflow("TASK-1", models.TierFastTrack); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("error = %v, want ErrDuplicateTask", err)
	}
}

func TestCreateWorkflowAfterTerminalAllowsNew(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)
	if err := e.orch.Stop(id, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.CreateWorkflow("TASK-1", models.TierFastTrack); err != nil {
		t.Fatalf("new workflow after terminal: %v", err)
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)

	if err := e.orch.Resume(id, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume running: %v, want ErrInvalidTransition", err)
	}
	if err := e.orch.Pause(id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Pause(id, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause paused: %v, want ErrInvalidTransition", err)
	}
	if err := e.orch.Resume(id, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := e.orch.Stop(id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Pause(id, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause stopped: %v, want ErrInvalidTransition", err)
	}
	if err := e.orch.Stop(id, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop stopped: %v, want ErrInvalidTransition", err)
	}

	evs := e.events(id)
	for kind, want := range map[models.EventKind]int{
		models.EventPaused:  1,
		models.EventResumed: 1,
		models.EventStopped: 1,
	} {
		if got := countEvents(evs, kind); got != want {
			t.Errorf("%s events = %d, want %d", kind, got, want)
		}
	}
}

func TestStopTerminatesRunningStep(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)
	e.tick()

	if err := e.orch.Stop(id, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(e.launch.terminated) != 1 {
		t.Errorf("terminated %d processes, want 1", len(e.launch.terminated))
	}
	if got := e.snapshot(id).Status; got != models.WorkflowStopped {
		t.Errorf("status = %s, want stopped", got)
	}
	if !e.notes.has("workflow_stopped") {
		t.Error("missing workflow_stopped notification")
	}
}

func TestLaunchErrorConsumesRetry(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)
	e.launch.failNext = 1

	e.tick()
	snap := e.snapshot(id)
	if snap.Steps[0].Status != models.StepPending {
		t.Errorf("step = %s, want pending after launch error", snap.Steps[0].Status)
	}
	if snap.Steps[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", snap.Steps[0].Attempts)
	}
	if got := countEvents(e.events(id), models.EventRetry); got != 1 {
		t.Errorf("RETRY events = %d, want 1", got)
	}

	// Next launch waits for the duplicate-launch window to pass.
	e.tick()
	if e.launch.launchCount() != 0 {
		t.Error("relaunch inside the launch window")
	}
	e.clock.Advance(31 * time.Second)
	e.tick()
	if e.launch.launchCount() != 1 {
		t.Errorf("launches = %d, want 1 after window", e.launch.launchCount())
	}
	if got := e.snapshot(id).Steps[0].Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestGuardSkipsStep(t *testing.T) {
	def := &tier.Definition{
		Tier: models.TierShortened,
		Steps: []tier.StepDef{
			{Name: "review", Agent: "Planner", Outputs: []string{"verdict"}},
			{Name: "deploy", Agent: "Deployer", Guard: "verdict == approved"},
			{Name: "wrap", Agent: "Tester"},
		},
	}
	e := newEnv(t, def)
	id := e.create("TASK-9", models.TierShortened)

	e.tick()
	e.signalComplete("TASK-9", map[string]string{"verdict": "rejected"})
	e.clock.Advance(time.Second)
	e.tick()

	snap := e.snapshot(id)
	if snap.Steps[1].Status != models.StepSkipped {
		t.Fatalf("deploy step = %s, want skipped", snap.Steps[1].Status)
	}
	if snap.Steps[2].Status != models.StepRunning {
		t.Errorf("wrap step = %s, want running", snap.Steps[2].Status)
	}
	if got := countEvents(e.events(id), models.EventStepSkipped); got != 1 {
		t.Errorf("STEP_SKIPPED events = %d, want 1", got)
	}
	// Only review and wrap ever launched.
	if e.launch.launchCount() != 2 {
		t.Errorf("launches = %d, want 2", e.launch.launchCount())
	}
}

func TestBlockedArtifactFailsWithoutRetry(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-1", models.TierFastTrack)
	e.tick()

	e.plat.AddSignal("TASK-1", models.Signal{
		ObservedAt: e.clock.Now(),
		Artifact: &models.CompletionArtifact{
			Status: models.ArtifactBlocked,
			Reason: "needs credentials from operator",
		},
	})
	e.clock.Advance(time.Second)
	e.tick()

	snap := e.snapshot(id)
	if snap.Status != models.WorkflowFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.Steps[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (blocked must not consume retries)", snap.Steps[0].Attempts)
	}
	evs := e.events(id)
	if got := countEvents(evs, models.EventRetry); got != 0 {
		t.Errorf("RETRY events = %d, want 0", got)
	}
	if got := countEvents(evs, models.EventFailed); got != 1 {
		t.Errorf("FAILED events = %d, want 1", got)
	}
	if !e.notes.has("workflow_failed") {
		t.Error("missing workflow_failed notification")
	}
}

// intentLauncher asserts at spawn time that the attempt it is starting
// is already durable in the store.
type intentLauncher struct {
	*fakeLauncher
	store *state.DB
	t     *testing.T
}

func (l *intentLauncher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Handle, error) {
	wf, err := l.store.GetWorkflow(spec.WorkflowID)
	if err != nil {
		l.t.Errorf("load workflow at spawn: %v", err)
	} else if step := wf.CurrentStep(); step == nil || step.Name != spec.StepName {
		l.t.Errorf("spawning %s but stored current step is %+v", spec.StepName, step)
	} else {
		if step.Attempts != spec.Attempt {
			l.t.Errorf("spawning %s attempt %d, store shows attempt %d", spec.StepName, spec.Attempt, step.Attempts)
		}
		if step.LastLaunchedAt.IsZero() {
			l.t.Errorf("spawning %s with no launch time on record", spec.StepName)
		}
	}
	return l.fakeLauncher.Launch(ctx, spec)
}

func TestLaunchIntentPersistsBeforeSpawn(t *testing.T) {
	e := newEnv(t, threeStepDef())
	e.orch = New(e.store, &intentLauncher{fakeLauncher: e.launch, store: e.store, t: t},
		e.plat, e.notes, testCatalog(t, threeStepDef()), e.cfg)
	e.orch.SetNow(e.clock.Now)
	id := e.create("TASK-L", models.TierFastTrack)

	e.tick()
	e.signalComplete("TASK-L", map[string]string{"plan": "p"})
	e.clock.Advance(time.Second)
	e.tick()

	// A timed-out attempt relaunches through the same path.
	e.clock.Advance(61 * time.Second)
	e.tick()

	if got := e.launch.launchCount(); got != 3 {
		t.Fatalf("launches = %d, want 3", got)
	}
	if got := e.snapshot(id).Steps[1].Attempts; got != 2 {
		t.Errorf("build attempts = %d, want 2", got)
	}
}

func TestFailureWhilePausedDefersTerminalTransition(t *testing.T) {
	e := newEnv(t, threeStepDef())
	id := e.create("TASK-F", models.TierFastTrack)
	e.tick()

	if err := e.orch.Pause(id, "alice"); err != nil {
		t.Fatal(err)
	}
	e.plat.AddSignal("TASK-F", models.Signal{
		ObservedAt: e.clock.Now(),
		Artifact: &models.CompletionArtifact{
			Status: models.ArtifactBlocked,
			Reason: "needs credentials from operator",
		},
	})
	e.clock.Advance(time.Second)
	e.tick()

	// The step failure is on record, but the paused workflow holds its
	// status until the operator resumes it.
	snap := e.snapshot(id)
	if snap.Status != models.WorkflowPaused {
		t.Fatalf("status = %s, want paused", snap.Status)
	}
	if snap.Steps[0].Status != models.StepFailed {
		t.Fatalf("step = %s, want failed", snap.Steps[0].Status)
	}
	if got := countEvents(e.events(id), models.EventFailed); got != 0 {
		t.Errorf("FAILED events before resume = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		e.clock.Advance(time.Minute)
		e.tick()
		if got := e.snapshot(id).Status; got != models.WorkflowPaused {
			t.Fatalf("status drifted to %s while paused", got)
		}
	}

	if err := e.orch.Resume(id, "alice"); err != nil {
		t.Fatal(err)
	}
	e.tick()

	snap = e.snapshot(id)
	if snap.Status != models.WorkflowFailed {
		t.Fatalf("status after resume = %s, want failed", snap.Status)
	}
	if got := countEvents(e.events(id), models.EventFailed); got != 1 {
		t.Errorf("FAILED events = %d, want 1", got)
	}
	if !e.notes.has("workflow_failed") {
		t.Error("missing workflow_failed notification")
	}
	if e.launch.launchCount() != 1 {
		t.Errorf("launches = %d, no step may launch past a held failure", e.launch.launchCount())
	}
}

func TestApprovalFlow(t *testing.T) {
	def := &tier.Definition{
		Tier: models.TierShortened,
		Steps: []tier.StepDef{
			{Name: "build", Agent: "Builder"},
			{Name: "deploy", Agent: "Deployer", Approval: &models.ApprovalRequirement{
				Approvers: []string{"lead"},
				Timeout:   time.Hour,
			}},
		},
	}
	e := newEnv(t, def)
	id := e.create("TASK-5", models.TierShortened)

	e.tick()
	e.signalComplete("TASK-5", nil)
	e.clock.Advance(time.Second)
	e.tick()

	snap := e.snapshot(id)
	if snap.Status != models.WorkflowAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", snap.Status)
	}
	if !e.notes.has("approval_requested") {
		t.Error("missing approval_requested notification")
	}

	if err := e.orch.DecideApproval(id, models.ApprovalApproved, "stranger"); !errors.Is(err, ErrNotApprover) {
		t.Errorf("stranger decision: %v, want ErrNotApprover", err)
	}
	if err := e.orch.DecideApproval(id, models.ApprovalApproved, "lead"); err != nil {
		t.Fatal(err)
	}
	if got := e.snapshot(id).Status; got != models.WorkflowRunning {
		t.Fatalf("status after approval = %s, want running", got)
	}

	e.tick()
	snap = e.snapshot(id)
	if snap.Steps[1].Status != models.StepRunning {
		t.Errorf("deploy step = %s, want running after approval", snap.Steps[1].Status)
	}
	if got := countEvents(e.events(id), models.EventApprovalGranted); got != 1 {
		t.Errorf("APPROVAL_GRANTED events = %d, want 1", got)
	}
}

func TestApprovalDenialFailsWorkflow(t *testing.T) {
	def := &tier.Definition{
		Tier: models.TierShortened,
		Steps: []tier.StepDef{
			{Name: "deploy", Agent: "Deployer", Approval: &models.ApprovalRequirement{Timeout: time.Hour}},
		},
	}
	e := newEnv(t, def)
	id := e.create("TASK-6", models.TierShortened)

	e.tick()
	if err := e.orch.DecideApproval(id, models.ApprovalDenied, "anyone"); err != nil {
		t.Fatal(err)
	}

	snap := e.snapshot(id)
	if snap.Status != models.WorkflowFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	evs := e.events(id)
	if got := countEvents(evs, models.EventApprovalDenied); got != 1 {
		t.Errorf("APPROVAL_DENIED events = %d, want 1", got)
	}
	if e.launch.launchCount() != 0 {
		t.Error("denied step must never launch")
	}
}

func TestDecideExpiredApproval(t *testing.T) {
	def := &tier.Definition{
		Tier: models.TierShortened,
		Steps: []tier.StepDef{
			{Name: "deploy", Agent: "Deployer", Approval: &models.ApprovalRequirement{Timeout: time.Hour}},
		},
	}
	e := newEnv(t, def)
	id := e.create("TASK-7", models.TierShortened)
	e.tick()

	e.clock.Advance(2 * time.Hour)
	if err := e.orch.DecideApproval(id, models.ApprovalApproved, "anyone"); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("error = %v, want ErrApprovalExpired", err)
	}
}

func TestGetStatusUnknownWorkflow(t *testing.T) {
	e := newEnv(t, threeStepDef())
	if _, err := e.orch.GetStatus("no-such-id"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestRouteTask(t *testing.T) {
	defs := []*tier.Definition{
		threeStepDef(),
		{Tier: models.TierFull, Steps: []tier.StepDef{{Name: "all", Agent: "Builder"}}},
	}
	e := newEnv(t, defs...)

	_, tierName, err := e.orch.RouteTask("TASK-2", []string{"hotfix"}, "prod is down")
	if err != nil {
		t.Fatal(err)
	}
	if tierName != models.TierFastTrack {
		t.Errorf("tier = %s, want fast-track", tierName)
	}
}
