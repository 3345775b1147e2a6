// Package detect decides whether a running step has finished based on
// the external signals observed for its task. A structured completion
// artifact is the preferred evidence; free-text completion markers are
// the fallback; no signal at all is left to the timeout monitor.
package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kharren/nexus/pkg/models"
)

// Kind is the verdict tag of a detection result.
type Kind int

const (
	// Incomplete means no completion evidence was found.
	Incomplete Kind = iota
	// Succeeded means the step finished and produced outputs.
	Succeeded
	// Failed means the step reported failure or is blocked.
	Failed
)

// Result is the verdict for a running step.
type Result struct {
	// Kind tags the verdict.
	Kind Kind
	// Outputs holds the named values the step produced, for Succeeded.
	Outputs map[string]string
	// NextHint names the agent the step expects to run next, if the
	// signal carried one.
	NextHint string
	// Reason describes the failure, for Failed.
	Reason string
	// Blocked marks a failure that needs manual input. A blocked step
	// does not consume a retry attempt; it is escalated to the
	// operator instead of auto-retried.
	Blocked bool
	// Marker is the raw evidence the verdict came from, for audit
	// detail.
	Marker string
}

// Agents write completion markers like "Step 3 Complete. Ready for
// @Tester" when they cannot emit a structured artifact.
var nextAgentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Ready for @(\w+)`),
	regexp.MustCompile(`(?i)Next agent:\s*@?(\w+)`),
	regexp.MustCompile(`(?i)Invoke:\s*@?(\w+)`),
	regexp.MustCompile(`(?i)@(\w+)\s+is next`),
}

var stepCompletePattern = regexp.MustCompile(`(?i)Step\s+(\d+)\s+Compl`)

// Detect evaluates the signals observed for a step since the last tick.
// Structured artifacts win over text markers regardless of order; among
// artifacts, the last one observed is authoritative.
func Detect(signals []models.Signal) Result {
	var artifact *models.CompletionArtifact
	for i := range signals {
		if signals[i].Artifact != nil {
			artifact = signals[i].Artifact
		}
	}
	if artifact != nil {
		return fromArtifact(artifact)
	}

	for i := range signals {
		if r, ok := fromText(signals[i].Text); ok {
			return r
		}
	}
	return Result{Kind: Incomplete}
}

func fromArtifact(a *models.CompletionArtifact) Result {
	switch a.Status {
	case models.ArtifactComplete:
		return Result{
			Kind:     Succeeded,
			Outputs:  a.Outputs,
			NextHint: a.NextAgent,
			Marker:   fmt.Sprintf("artifact status=complete next=%s", a.NextAgent),
		}
	case models.ArtifactBlocked:
		reason := a.Reason
		if reason == "" {
			reason = "agent reported blocked"
		}
		return Result{
			Kind:    Failed,
			Reason:  reason,
			Blocked: true,
			Marker:  "artifact status=blocked",
		}
	case models.ArtifactFailed:
		reason := a.Reason
		if reason == "" {
			reason = "agent reported failure"
		}
		return Result{
			Kind:   Failed,
			Reason: reason,
			Marker: "artifact status=failed",
		}
	default:
		// Unknown status: not completion evidence.
		return Result{Kind: Incomplete}
	}
}

// fromText matches the free-text completion markers agents write to
// their logs and task comments.
func fromText(text string) (Result, bool) {
	if text == "" {
		return Result{}, false
	}

	for _, p := range nextAgentPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return Result{
				Kind:     Succeeded,
				NextHint: m[1],
				Marker:   strings.TrimSpace(m[0]),
			}, true
		}
	}

	// "Step N Complete" without a next-agent reference still counts:
	// the workflow definition supplies the successor.
	if m := stepCompletePattern.FindStringSubmatch(text); m != nil {
		return Result{
			Kind:   Succeeded,
			Marker: strings.TrimSpace(m[0]),
		}, true
	}

	return Result{}, false
}

// ExtractNextAgent pulls a next-agent reference out of arbitrary log
// text, or returns the empty string.
func ExtractNextAgent(text string) string {
	for _, p := range nextAgentPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
