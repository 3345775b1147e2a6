package platform

import (
	"sync"
	"time"

	"github.com/kharren/nexus/pkg/models"
)

// Memory is an in-memory TaskPlatform. It backs tests and local dry
// runs: signals pushed with AddSignal are drained by the next
// ReadSignals call for that task.
type Memory struct {
	mu      sync.Mutex
	signals map[string][]models.Signal
	updates map[string][]string
	closed  map[string]bool
}

// NewMemory creates an empty in-memory platform.
func NewMemory() *Memory {
	return &Memory{
		signals: make(map[string][]models.Signal),
		updates: make(map[string][]string),
		closed:  make(map[string]bool),
	}
}

// AddSignal queues a signal for the task's next ReadSignals call.
func (m *Memory) AddSignal(taskRef string, sig models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = time.Now()
	}
	m.signals[taskRef] = append(m.signals[taskRef], sig)
}

// AddText queues a free-text signal for the task.
func (m *Memory) AddText(taskRef, text string) {
	m.AddSignal(taskRef, models.Signal{Text: text})
}

// AddArtifact queues a structured completion artifact for the task.
func (m *Memory) AddArtifact(taskRef string, artifact models.CompletionArtifact) {
	m.AddSignal(taskRef, models.Signal{Artifact: &artifact})
}

// PostUpdate implements TaskPlatform.
func (m *Memory) PostUpdate(taskRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[taskRef] = append(m.updates[taskRef], text)
	return nil
}

// ReadSignals implements TaskPlatform. Each signal is returned once.
func (m *Memory) ReadSignals(taskRef string) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.signals[taskRef]
	m.signals[taskRef] = nil
	return out, nil
}

// Close implements TaskPlatform.
func (m *Memory) Close(taskRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[taskRef] = true
	return nil
}

// Updates returns the updates posted for a task.
func (m *Memory) Updates(taskRef string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.updates[taskRef]...)
}

// Closed reports whether the task was closed.
func (m *Memory) Closed(taskRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[taskRef]
}

// Verify Memory implements TaskPlatform at compile time.
var _ TaskPlatform = (*Memory)(nil)
