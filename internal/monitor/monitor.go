// Package monitor detects stalled steps and decides between retry and
// permanent failure. Staleness is judged on the absence of observed
// progress signals, never on elapsed wall time alone: a long-running
// step that keeps producing output is never killed.
package monitor

import (
	"log"
	"time"

	"github.com/kharren/nexus/internal/launcher"
	"github.com/kharren/nexus/pkg/models"
)

// Verdict is the staleness check outcome for a running step.
type Verdict int

const (
	// Healthy means progress was observed within the threshold.
	Healthy Verdict = iota
	// Stuck means no progress signal was seen for longer than the
	// threshold.
	Stuck
)

// Decision is the retry policy outcome after a failed attempt.
type Decision int

const (
	// Retry means the step should be re-launched as a new attempt.
	Retry Decision = iota
	// GiveUp means the retry budget is exhausted and the step fails
	// permanently.
	GiveUp
)

// Monitor applies the timeout and retry policy to running steps.
type Monitor struct {
	// Threshold is how long a step may go without progress.
	Threshold time.Duration
	// MaxAttempts is the launch budget per step, including the first.
	MaxAttempts int

	launcher launcher.Launcher
	now      func() time.Time
}

// New creates a Monitor with the given policy, terminating stuck
// processes through l.
func New(l launcher.Launcher, threshold time.Duration, maxAttempts int) *Monitor {
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Monitor{
		Threshold:   threshold,
		MaxAttempts: maxAttempts,
		launcher:    l,
		now:         time.Now,
	}
}

// SetNow overrides the clock. Used by tests.
func (m *Monitor) SetNow(now func() time.Time) {
	m.now = now
}

// CheckTimeout reports whether a running step is stuck. A step with no
// recorded progress yet is judged from its launch time.
func (m *Monitor) CheckTimeout(step *models.Step) Verdict {
	if step.Status != models.StepRunning {
		return Healthy
	}
	last := step.LastProgressAt
	if last.IsZero() {
		last = step.LastLaunchedAt
	}
	if last.IsZero() {
		return Healthy
	}
	if m.now().Sub(last) > m.Threshold {
		return Stuck
	}
	return Healthy
}

// OnStuck terminates the external process behind a stuck step. The
// caller records the TIMEOUT_KILL audit event and applies ShouldRetry.
func (m *Monitor) OnStuck(step *models.Step) error {
	h := launcher.Handle{PID: step.PID, ArtifactPath: step.ArtifactPath}
	if err := m.launcher.Terminate(h); err != nil {
		return err
	}
	log.Printf("[monitor] killed stuck agent %s (PID %d) after %v without progress",
		step.Agent, step.PID, m.Threshold)
	return nil
}

// ShouldRetry decides whether a failed step has attempts remaining.
func (m *Monitor) ShouldRetry(step *models.Step) Decision {
	if step.Attempts < m.MaxAttempts {
		return Retry
	}
	return GiveUp
}

// ResetRetries zeroes a step's attempt counter. Called when a step
// succeeds: the retry budget is per step instance, not cumulative
// across the workflow.
func (m *Monitor) ResetRetries(step *models.Step) {
	step.Attempts = 0
}
