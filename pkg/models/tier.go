package models

// Tier names a workflow definition: the ordered list of agent steps a
// task is driven through.
type Tier string

const (
	// TierFastTrack is the minimal chain for urgent fixes and hotfixes.
	TierFastTrack Tier = "fast-track"
	// TierShortened is the intermediate chain for defect fixes.
	TierShortened Tier = "shortened"
	// TierFull is the complete chain for features and unclassified work.
	TierFull Tier = "full"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFastTrack, TierShortened, TierFull:
		return true
	default:
		return false
	}
}
