package referral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journeyEntry(status StatusID, dest *string) *HistoryEntry {
	return &HistoryEntry{ID: newID(), StatusID: status, DestinationParty: dest, CreatedAt: time.Now()}
}

func destinations(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = strPtrVal(s.DestinationAtStep)
	}
	return out
}

func locations(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.LocationAtStep
	}
	return out
}

func TestReconstruct_DestinationCarryForward(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusPending, strPtr("X")),
		journeyEntry(StatusAccepted, nil),
		journeyEntry(StatusPending, strPtr("Y")),
	}

	steps := Reconstruct(entries, "O", nil)
	assert.Equal(t, []string{"X", "X", "Y"}, destinations(steps))
}

func TestReconstruct_NoDestinationYet(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusPending, nil),
		journeyEntry(StatusPending, strPtr("D")),
	}

	steps := Reconstruct(entries, "O", nil)
	assert.Nil(t, steps[0].DestinationAtStep)
	require.NotNil(t, steps[1].DestinationAtStep)
	assert.Equal(t, "D", *steps[1].DestinationAtStep)
}

func TestReconstruct_LocationTriggerGating(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusAccepted, strPtr("D")),
		journeyEntry(StatusInTransit, nil),
		journeyEntry(StatusArrived, nil),
	}

	steps := Reconstruct(entries, "O", nil)
	assert.Equal(t, []string{"O", "O", "D"}, locations(steps))
	assert.Equal(t, "D", CurrentLocation(steps, "O"))
}

func TestReconstruct_TriggerWithoutDestinationKeepsLocation(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusPending, nil),
		journeyEntry(StatusArrived, nil),
	}

	steps := Reconstruct(entries, "O", nil)
	assert.Equal(t, []string{"O", "O"}, locations(steps))
}

func TestReconstruct_AdmittedAndDischargedAreTriggers(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusPending, strPtr("B")),
		journeyEntry(StatusAccepted, nil),
		journeyEntry(StatusAdmitted, nil),
		journeyEntry(StatusPending, strPtr("C")),
		journeyEntry(StatusDischarged, nil),
	}

	steps := Reconstruct(entries, "A", nil)
	assert.Equal(t, []string{"A", "A", "B", "B", "C"}, locations(steps))
}

func TestReconstruct_CustomTriggers(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusAccepted, strPtr("D")),
		journeyEntry(StatusInTransit, nil),
	}

	steps := Reconstruct(entries, "O", map[StatusID]bool{StatusInTransit: true})
	assert.Equal(t, []string{"O", "D"}, locations(steps))
}

func TestReconstruct_Empty(t *testing.T) {
	steps := Reconstruct(nil, "O", nil)
	assert.Empty(t, steps)
	assert.Equal(t, "O", CurrentLocation(steps, "O"))
}

func TestReconstruct_DoesNotAliasEntries(t *testing.T) {
	dest := "D"
	entries := []*HistoryEntry{journeyEntry(StatusAccepted, &dest)}

	steps := Reconstruct(entries, "O", nil)
	dest = "changed"
	assert.Equal(t, "D", *steps[0].DestinationAtStep)
	assert.Same(t, entries[0], steps[0].Entry)
}

func TestReconstruct_IsDeterministic(t *testing.T) {
	entries := []*HistoryEntry{
		journeyEntry(StatusPending, strPtr("B")),
		journeyEntry(StatusAccepted, nil),
		journeyEntry(StatusArrived, nil),
	}

	first := Reconstruct(entries, "A", nil)
	second := Reconstruct(entries, "A", nil)
	assert.Equal(t, locations(first), locations(second))
	assert.Equal(t, destinations(first), destinations(second))
}
