package postcall

import (
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

const (
	mediumFollowUp = 3 * 24 * time.Hour
	lowFollowUp    = 7 * 24 * time.Hour
)

// DeriveLeadUpdate maps an analysis onto the lead status written back to the
// record store.
func DeriveLeadUpdate(analysis callengine.CallAnalysis, now time.Time) callengine.LeadUpdate {
	update := callengine.LeadUpdate{InterestLevel: analysis.InterestLevel}
	switch analysis.InterestLevel {
	case callengine.InterestHigh:
		update.Status = callengine.LeadQualified
	case callengine.InterestMedium:
		update.Status = callengine.LeadContacted
		if analysis.ScheduledDemo == nil {
			update.FollowUpAt = followUp(now, mediumFollowUp)
		}
	case callengine.InterestLow:
		update.Status = callengine.LeadContacted
		update.FollowUpAt = followUp(now, lowFollowUp)
	default:
		update.Status = callengine.LeadNotInterested
		update.InterestLevel = callengine.InterestNotInterested
	}
	return update
}

func followUp(now time.Time, after time.Duration) *time.Time {
	at := now.Add(after).UTC()
	return &at
}
