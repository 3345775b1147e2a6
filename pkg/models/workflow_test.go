package models

import (
	"testing"
	"time"
)

func twoStepWorkflow() *Workflow {
	return &Workflow{
		ID:      "wf-1",
		TaskRef: "42",
		Tier:    TierShortened,
		Steps: []Step{
			{Name: "implement", Agent: "Builder"},
			{Name: "review", Agent: "Reviewer", Final: true},
		},
		Status: WorkflowRunning,
	}
}

func TestWorkflowCurrentStep(t *testing.T) {
	wf := twoStepWorkflow()

	if got := wf.CurrentStep(); got == nil || got.Name != "implement" {
		t.Errorf("CurrentStep() = %v, want implement", got)
	}

	wf.Current = 2
	if got := wf.CurrentStep(); got != nil {
		t.Errorf("CurrentStep() past end = %v, want nil", got)
	}
}

func TestWorkflowRunningStep(t *testing.T) {
	wf := twoStepWorkflow()
	if got := wf.RunningStep(); got != nil {
		t.Errorf("RunningStep() with no running steps = %v, want nil", got)
	}

	wf.Steps[1].Status = StepRunning
	if got := wf.RunningStep(); got == nil || got.Name != "review" {
		t.Errorf("RunningStep() = %v, want review", got)
	}
}

func TestWorkflowProgress(t *testing.T) {
	wf := twoStepWorkflow()
	if got := wf.Progress(); got != 0 {
		t.Errorf("Progress() = %v, want 0", got)
	}

	wf.Steps[0].Status = StepSucceeded
	if got := wf.Progress(); got != 50 {
		t.Errorf("Progress() = %v, want 50", got)
	}

	wf.Steps[1].Status = StepSkipped
	if got := wf.Progress(); got != 100 {
		t.Errorf("Progress() = %v, want 100", got)
	}
}

func TestWorkflowPriorOutputs(t *testing.T) {
	wf := twoStepWorkflow()
	wf.Steps[0].Status = StepSucceeded
	wf.Steps[0].Outputs = map[string]string{"branch": "fix/42", "tests": "pass"}
	wf.Current = 1

	outputs := wf.PriorOutputs()
	if outputs["branch"] != "fix/42" || outputs["tests"] != "pass" {
		t.Errorf("PriorOutputs() = %v", outputs)
	}
}

func TestWorkflowStatusTerminal(t *testing.T) {
	tests := []struct {
		status WorkflowStatus
		want   bool
	}{
		{WorkflowRunning, false},
		{WorkflowPaused, false},
		{WorkflowAwaitingApproval, false},
		{WorkflowStopped, true},
		{WorkflowCompleted, true},
		{WorkflowFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestApprovalAllowedApprover(t *testing.T) {
	any := &PendingApproval{}
	if !any.AllowedApprover("whoever") {
		t.Error("empty approver set should allow any operator")
	}

	limited := &PendingApproval{Approvers: []string{"lead", "ops"}}
	if !limited.AllowedApprover("ops") {
		t.Error("listed approver should be allowed")
	}
	if limited.AllowedApprover("intern") {
		t.Error("unlisted approver should be rejected")
	}
}

func TestApprovalExpired(t *testing.T) {
	now := time.Now()
	ap := &PendingApproval{Deadline: now.Add(time.Hour)}
	if ap.Expired(now) {
		t.Error("approval should not be expired before its deadline")
	}
	if !ap.Expired(now.Add(2 * time.Hour)) {
		t.Error("approval should be expired after its deadline")
	}
}

func TestTierValid(t *testing.T) {
	for _, tier := range []Tier{TierFastTrack, TierShortened, TierFull} {
		if !tier.Valid() {
			t.Errorf("%s should be valid", tier)
		}
	}
	if Tier("premium").Valid() {
		t.Error("unknown tier should be invalid")
	}
}
