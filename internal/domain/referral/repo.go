package referral

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AppendRequest is one atomic ledger write.
type AppendRequest struct {
	Entry *HistoryEntry
	// ExpectedActiveID is the active entry the caller decided against.
	// uuid.Nil means the case must not have an active entry yet.
	ExpectedActiveID uuid.UUID
	// Case, when set, carries the denormalized columns a transition owns
	// (destination, acceptance, decline fields, updated_at). They are
	// written in the same transaction as the entry. Active is never written
	// here; see Repository.Deactivate.
	Case *Case
}

// Ledger is the append-only per-case history store.
type Ledger interface {
	// Append deactivates the current active entry and inserts req.Entry as
	// the new active entry, or does nothing and returns an error. A
	// deactivated case rejects appends with ErrInvalidTransition.
	Append(ctx context.Context, req AppendRequest) error
	ListOrdered(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error)
	// ActiveEntry returns (nil, nil) when the case has no entries.
	ActiveEntry(ctx context.Context, caseID uuid.UUID) (*HistoryEntry, error)
}

// ListFilter narrows ListCases. Zero value lists active cases only.
type ListFilter struct {
	IncludeInactive  bool
	OriginParty      string
	DestinationParty string
}

// Repository persists cases and their ledgers.
type Repository interface {
	Ledger

	// CreateCase inserts the case together with its initial entry.
	CreateCase(ctx context.Context, c *Case, initial *HistoryEntry) error
	GetCase(ctx context.Context, id uuid.UUID) (*Case, error)
	// Deactivate clears the case's active flag under the same lock Append
	// takes. It touches no other column and never the ledger. Deactivating
	// an inactive case is a no-op.
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error
	ListCases(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error)
}

// sortEntries applies the ledger order: created_at, then the active entry
// last among equal timestamps, then id (UUIDv7, insertion ordered).
func sortEntries(entries []*HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.IsActive != b.IsActive {
			return !a.IsActive
		}
		return a.ID.String() < b.ID.String()
	})
}
