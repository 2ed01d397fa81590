package referral

// Step is one reconstructed point of a case's journey.
type Step struct {
	Entry             *HistoryEntry `json:"entry"`
	DestinationAtStep *string       `json:"destination_at_step,omitempty"`
	LocationAtStep    string        `json:"location_at_step"`
}

// DefaultArrivalTriggers are the statuses that confirm the subject is
// physically at the destination in force.
var DefaultArrivalTriggers = map[StatusID]bool{
	StatusArrived:    true,
	StatusAdmitted:   true,
	StatusDischarged: true,
}

// Reconstruct derives destination and location for every entry of an
// ordered ledger. It reads nothing but its arguments. A nil triggers set
// uses DefaultArrivalTriggers.
func Reconstruct(entries []*HistoryEntry, origin string, triggers map[StatusID]bool) []Step {
	if triggers == nil {
		triggers = DefaultArrivalTriggers
	}
	steps := make([]Step, len(entries))

	// Destinations carry forward until an entry names a new one.
	var dest *string
	for i, e := range entries {
		if e.DestinationParty != nil {
			dest = e.DestinationParty
		}
		steps[i].Entry = e
		steps[i].DestinationAtStep = clonePtr(dest)
	}

	// Location only moves on confirmed arrival.
	location := origin
	for i, e := range entries {
		if triggers[e.StatusID] && steps[i].DestinationAtStep != nil {
			location = *steps[i].DestinationAtStep
		}
		steps[i].LocationAtStep = location
	}

	return steps
}

// CurrentLocation is the location after the last step, or origin when the
// ledger is empty.
func CurrentLocation(steps []Step, origin string) string {
	if len(steps) == 0 {
		return origin
	}
	return steps[len(steps)-1].LocationAtStep
}
