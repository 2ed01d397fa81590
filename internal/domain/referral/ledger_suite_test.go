package referral

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suiteBase = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

func seedCase(t *testing.T, repo Repository, origin string, dest *string) (*Case, *HistoryEntry) {
	t.Helper()
	c := &Case{
		ID:                      newID(),
		CreatedAt:               suiteBase,
		UpdatedAt:               suiteBase,
		Active:                  true,
		SubjectName:             "Jane Roe",
		OriginParty:             origin,
		CurrentDestinationParty: dest,
	}
	initial := &HistoryEntry{
		ID:               newID(),
		CaseID:           c.ID,
		CreatedAt:        suiteBase,
		StatusID:         StatusPending,
		DestinationParty: dest,
		IsActive:         true,
	}
	require.NoError(t, repo.CreateCase(context.Background(), c, initial))
	return c, initial
}

func nextEntry(caseID uuid.UUID, status StatusID, at time.Time) *HistoryEntry {
	return &HistoryEntry{
		ID:        newID(),
		CaseID:    caseID,
		CreatedAt: at,
		StatusID:  status,
		IsActive:  true,
	}
}

func countActive(entries []*HistoryEntry) int {
	n := 0
	for _, e := range entries {
		if e.IsActive {
			n++
		}
	}
	return n
}

// runLedgerSuite checks the Repository contract every backend must honor.
func runLedgerSuite(t *testing.T, open func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create then read", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", strPtr("Facility B"))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Facility A", got.OriginParty)
		assert.Equal(t, "Facility B", strPtrVal(got.CurrentDestinationParty))
		assert.True(t, got.Active)
		assert.True(t, got.CreatedAt.Equal(suiteBase))

		active, err := repo.ActiveEntry(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, initial.ID, active.ID)
		assert.Equal(t, StatusPending, active.StatusID)
	})

	t.Run("unknown case", func(t *testing.T) {
		repo := open(t)
		_, err := repo.GetCase(ctx, newID())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.ListOrdered(ctx, newID())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.ActiveEntry(ctx, newID())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append flips the active entry", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		e := nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute))
		require.NoError(t, repo.Append(ctx, AppendRequest{Entry: e, ExpectedActiveID: initial.ID}))

		entries, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 1, countActive(entries))
		assert.Equal(t, initial.ID, entries[0].ID)
		assert.False(t, entries[0].IsActive)
		assert.Equal(t, e.ID, entries[1].ID)
		assert.True(t, entries[1].IsActive)
	})

	t.Run("append writes the case in the same step", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		updated := c.clone()
		updated.AcceptedByActor = strPtr("Dr. X")
		updated.UpdatedAt = suiteBase.Add(time.Minute)
		e := nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute))
		require.NoError(t, repo.Append(ctx, AppendRequest{Entry: e, ExpectedActiveID: initial.ID, Case: updated}))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Dr. X", strPtrVal(got.AcceptedByActor))
		assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))
	})

	t.Run("stale expectation is a conflict and writes nothing", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)
		require.NoError(t, repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute)),
			ExpectedActiveID: initial.ID,
		}))

		updated := c.clone()
		updated.DeclineReason = strPtr("no beds")
		err := repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusDeclined, suiteBase.Add(2*time.Minute)),
			ExpectedActiveID: initial.ID,
			Case:             updated,
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.True(t, IsRetryable(err))

		entries, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Nil(t, got.DeclineReason)
	})

	t.Run("unknown status is an invalid transition", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		err := repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusID("teleported"), suiteBase.Add(time.Minute)),
			ExpectedActiveID: initial.ID,
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		active, err := repo.ActiveEntry(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, initial.ID, active.ID)
	})

	t.Run("append to unknown case", func(t *testing.T) {
		repo := open(t)
		err := repo.Append(ctx, AppendRequest{Entry: nextEntry(newID(), StatusAccepted, suiteBase)})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("backdated entry is rejected", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		err := repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(-time.Second)),
			ExpectedActiveID: initial.ID,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("equal timestamps order the active entry last", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		e := nextEntry(c.ID, StatusAccepted, suiteBase)
		require.NoError(t, repo.Append(ctx, AppendRequest{Entry: e, ExpectedActiveID: initial.ID}))

		entries, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, initial.ID, entries[0].ID)
		assert.Equal(t, e.ID, entries[1].ID)
	})

	t.Run("committed entries never change", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", strPtr("Facility B"))

		prev := initial.ID
		statuses := []StatusID{StatusAccepted, StatusInTransit, StatusArrived}
		var snapshot []*HistoryEntry
		for i, st := range statuses {
			e := nextEntry(c.ID, st, suiteBase.Add(time.Duration(i+1)*time.Minute))
			e.Note = strPtr("step " + string(st))
			require.NoError(t, repo.Append(ctx, AppendRequest{Entry: e, ExpectedActiveID: prev}))
			prev = e.ID

			if i == 0 {
				var err error
				snapshot, err = repo.ListOrdered(ctx, c.ID)
				require.NoError(t, err)
			}
		}

		after, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, after, 4)
		for i, before := range snapshot {
			got := after[i]
			assert.Equal(t, before.ID, got.ID)
			assert.True(t, before.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, before.StatusID, got.StatusID)
			assert.Equal(t, before.DestinationParty, got.DestinationParty)
			assert.Equal(t, before.Note, got.Note)
			assert.Equal(t, before.ActorID, got.ActorID)
			assert.Equal(t, before.ActorParty, got.ActorParty)
		}
		assert.Equal(t, 1, countActive(after))
		assert.True(t, after[3].IsActive)
	})

	t.Run("concurrent appends have one winner", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)

		const racers = 8
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Append(ctx, AppendRequest{
					Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute)),
					ExpectedActiveID: initial.ID,
				})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrConcurrentModification)
		}
		assert.Equal(t, 1, wins)

		entries, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, 1, countActive(entries))
	})

	t.Run("list cases filters and paginates", func(t *testing.T) {
		repo := open(t)
		a, _ := seedCase(t, repo, "Facility A", strPtr("Facility B"))
		seedCase(t, repo, "Facility A", strPtr("Facility C"))
		seedCase(t, repo, "Facility D", strPtr("Facility B"))

		all, total, err := repo.ListCases(ctx, ListFilter{}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, all, 3)

		fromA, total, err := repo.ListCases(ctx, ListFilter{OriginParty: "Facility A"}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, fromA, 2)

		toB, total, err := repo.ListCases(ctx, ListFilter{DestinationParty: "Facility B"}, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, toB, 1)

		require.NoError(t, repo.Deactivate(ctx, a.ID, suiteBase.Add(time.Hour)))

		_, total, err = repo.ListCases(ctx, ListFilter{}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		_, total, err = repo.ListCases(ctx, ListFilter{IncludeInactive: true}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)

		// The ledger of a deactivated case stays readable.
		entries, err := repo.ListOrdered(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("cases created in the same instant page by id", func(t *testing.T) {
		repo := open(t)
		var ids []uuid.UUID
		for i := 0; i < 4; i++ {
			c, _ := seedCase(t, repo, "Facility A", nil)
			ids = append(ids, c.ID)
		}

		var paged []uuid.UUID
		for offset := 0; offset < 4; offset += 2 {
			page, total, err := repo.ListCases(ctx, ListFilter{}, 2, offset)
			require.NoError(t, err)
			assert.Equal(t, 4, total)
			for _, c := range page {
				paged = append(paged, c.ID)
			}
		}
		// UUIDv7 ids grow with creation, so newest first means reverse order.
		assert.Equal(t, []uuid.UUID{ids[3], ids[2], ids[1], ids[0]}, paged)
	})

	t.Run("deactivate after a transition keeps its case columns", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", strPtr("Facility B"))

		updated := c.clone()
		updated.AcceptedByActor = strPtr("Dr. X")
		updated.UpdatedAt = suiteBase.Add(time.Minute)
		require.NoError(t, repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute)),
			ExpectedActiveID: initial.ID,
			Case:             updated,
		}))
		require.NoError(t, repo.Deactivate(ctx, c.ID, suiteBase.Add(2*time.Minute)))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, "Dr. X", strPtrVal(got.AcceptedByActor))
		assert.Equal(t, "Facility B", strPtrVal(got.CurrentDestinationParty))
		assert.True(t, got.UpdatedAt.Equal(suiteBase.Add(2*time.Minute)))
	})

	t.Run("append after deactivate is rejected", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)
		// Case view read while the case was still active.
		stale := c.clone()
		stale.AcceptedByActor = strPtr("Dr. X")

		require.NoError(t, repo.Deactivate(ctx, c.ID, suiteBase.Add(time.Minute)))
		err := repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(2*time.Minute)),
			ExpectedActiveID: initial.ID,
			Case:             stale,
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, IsRetryable(err))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Nil(t, got.AcceptedByActor)
		entries, err := repo.ListOrdered(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("append never writes the active flag", func(t *testing.T) {
		repo := open(t)
		c, initial := seedCase(t, repo, "Facility A", nil)
		updated := c.clone()
		updated.Active = false
		updated.UpdatedAt = suiteBase.Add(time.Minute)
		require.NoError(t, repo.Append(ctx, AppendRequest{
			Entry:            nextEntry(c.ID, StatusAccepted, suiteBase.Add(time.Minute)),
			ExpectedActiveID: initial.ID,
			Case:             updated,
		}))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Active)
	})

	t.Run("deactivate is idempotent", func(t *testing.T) {
		repo := open(t)
		c, _ := seedCase(t, repo, "Facility A", nil)
		require.NoError(t, repo.Deactivate(ctx, c.ID, suiteBase.Add(time.Minute)))
		require.NoError(t, repo.Deactivate(ctx, c.ID, suiteBase.Add(time.Hour)))

		got, err := repo.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.True(t, got.UpdatedAt.Equal(suiteBase.Add(time.Minute)))
	})

	t.Run("deactivate unknown case", func(t *testing.T) {
		repo := open(t)
		err := repo.Deactivate(ctx, newID(), suiteBase)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
