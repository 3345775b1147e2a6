// Package platform defines the contracts for the external collaborators
// the engine observes and notifies: the task/issue platform that carries
// completion signals, and the fire-and-forget notification channel.
package platform

import (
	"log"

	"github.com/kharren/nexus/pkg/models"
)

// TaskPlatform is the issue-tracking collaborator. It is the durable
// record of each task and the channel completion signals arrive on.
type TaskPlatform interface {
	// PostUpdate appends a status update to the task.
	PostUpdate(taskRef, text string) error

	// ReadSignals returns the signals observed for the task since the
	// previous call. The platform owns the read cursor.
	ReadSignals(taskRef string) ([]models.Signal, error)

	// Close closes out the task on the platform.
	Close(taskRef string) error
}

// Notifier is the fire-and-forget notification channel. Failures here
// must never block orchestration; implementations log and move on.
type Notifier interface {
	Notify(event string, context map[string]string)
}

// LogNotifier writes notifications to the process log. It is the
// default when no external channel is wired.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(event string, context map[string]string) {
	log.Printf("[notify] %s %v", event, context)
}

// Verify LogNotifier implements Notifier at compile time.
var _ Notifier = LogNotifier{}
