package models

import "time"

// ArtifactStatus is the explicit status carried by a structured
// completion artifact.
type ArtifactStatus string

const (
	// ArtifactComplete means the agent finished its step successfully.
	ArtifactComplete ArtifactStatus = "complete"
	// ArtifactBlocked means the agent needs manual input. A blocked
	// step fails without consuming a retry attempt.
	ArtifactBlocked ArtifactStatus = "blocked"
	// ArtifactFailed means the agent reported a hard failure.
	ArtifactFailed ArtifactStatus = "failed"
)

// CompletionArtifact is the machine-readable completion record an agent
// may emit. It is preferred over free-text markers when present.
type CompletionArtifact struct {
	Status    ArtifactStatus    `json:"status"`
	Agent     string            `json:"agent,omitempty"`
	Step      int               `json:"step,omitempty"`
	NextAgent string            `json:"next_agent,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Signal is one piece of external evidence about a running step: either
// a structured completion artifact or a free-text line. A signal with
// neither field set still counts as observed progress.
type Signal struct {
	// ObservedAt is when the signal was read from the platform.
	ObservedAt time.Time
	// Text is the raw textual content, if any.
	Text string
	// Artifact is the parsed structured artifact, if one was present.
	Artifact *CompletionArtifact
}
