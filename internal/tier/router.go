package tier

import (
	"strings"

	"github.com/kharren/nexus/pkg/models"
)

// Explicit routing labels. A task carrying one of these skips keyword
// matching entirely.
const (
	LabelFull      = "workflow:full"
	LabelShortened = "workflow:shortened"
	LabelFastTrack = "workflow:fast-track"
)

var (
	fastTrackKeywords = []string{"critical", "hotfix", "urgent", "asap", "emergency"}
	shortenedKeywords = []string{"bug", "fix", "defect", "issue", "regression"}
	fullKeywords      = []string{"feature", "enhancement", "refactor"}
)

// SelectTier picks a workflow tier for a task. Explicit workflow:*
// labels win outright. Otherwise keywords in the labels and the task
// text vote, with fast-track beating shortened beating full. A task
// that matches nothing gets the fallback tier.
func SelectTier(labels []string, text string, fallback models.Tier) models.Tier {
	for _, label := range labels {
		switch strings.ToLower(strings.TrimSpace(label)) {
		case LabelFastTrack:
			return models.TierFastTrack
		case LabelShortened:
			return models.TierShortened
		case LabelFull:
			return models.TierFull
		}
	}

	haystack := strings.ToLower(text)
	for _, label := range labels {
		haystack += " " + strings.ToLower(label)
	}

	if containsAny(haystack, fastTrackKeywords) {
		return models.TierFastTrack
	}
	if containsAny(haystack, shortenedKeywords) {
		return models.TierShortened
	}
	if containsAny(haystack, fullKeywords) {
		return models.TierFull
	}
	return fallback
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
