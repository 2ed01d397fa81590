package referral

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo keeps cases and ledgers in process memory. One mutex guards
// all state, which makes every Append a single critical section.
type memoryRepo struct {
	mu      sync.RWMutex
	catalog Catalog
	cases   map[uuid.UUID]*Case
	ledgers map[uuid.UUID][]*HistoryEntry
}

// NewMemoryRepo returns an in-memory Repository. Intended for tests and
// single-process development runs.
func NewMemoryRepo(catalog Catalog) Repository {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &memoryRepo{
		catalog: catalog,
		cases:   make(map[uuid.UUID]*Case),
		ledgers: make(map[uuid.UUID][]*HistoryEntry),
	}
}

func (r *memoryRepo) CreateCase(_ context.Context, c *Case, initial *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cases[c.ID]; exists {
		return fmt.Errorf("%w: case %s already exists", ErrConcurrentModification, c.ID)
	}
	if initial != nil {
		if _, err := r.catalog.Resolve(initial.StatusID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
	}

	r.cases[c.ID] = c.clone()
	if initial != nil {
		e := initial.clone()
		e.IsActive = true
		r.ledgers[c.ID] = []*HistoryEntry{e}
	}
	return nil
}

func (r *memoryRepo) GetCase(_ context.Context, id uuid.UUID) (*Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

func (r *memoryRepo) Deactivate(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cases[id]
	if !ok {
		return fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	if !c.Active {
		return nil
	}
	c.Active = false
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

func (r *memoryRepo) ListCases(_ context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Case
	for _, c := range r.cases {
		if !filter.IncludeInactive && !c.Active {
			continue
		}
		if filter.OriginParty != "" && c.OriginParty != filter.OriginParty {
			continue
		}
		if filter.DestinationParty != "" && strPtrVal(c.CurrentDestinationParty) != filter.DestinationParty {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() > b.ID.String()
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	out := make([]*Case, 0, end-offset)
	for _, c := range matched[offset:end] {
		out = append(out, c.clone())
	}
	return out, total, nil
}

func (r *memoryRepo) Append(_ context.Context, req AppendRequest) error {
	if req.Entry == nil {
		return fmt.Errorf("%w: entry is required", ErrValidation)
	}
	if _, err := r.catalog.Resolve(req.Entry.StatusID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	caseID := req.Entry.CaseID
	c, ok := r.cases[caseID]
	if !ok {
		return fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	if !c.Active {
		return fmt.Errorf("%w: case %s is deactivated", ErrInvalidTransition, caseID)
	}

	ledger := r.ledgers[caseID]
	active := findActive(ledger)

	activeID := uuid.Nil
	if active != nil {
		activeID = active.ID
	}
	if activeID != req.ExpectedActiveID {
		return fmt.Errorf("%w: case %s active entry is %s, expected %s",
			ErrConcurrentModification, caseID, activeID, req.ExpectedActiveID)
	}
	if active != nil && req.Entry.CreatedAt.Before(active.CreatedAt) {
		return fmt.Errorf("%w: created_at %s precedes active entry %s",
			ErrValidation, req.Entry.CreatedAt, active.CreatedAt)
	}

	if active != nil {
		active.IsActive = false
	}
	e := req.Entry.clone()
	e.IsActive = true
	r.ledgers[caseID] = append(ledger, e)

	if req.Case != nil {
		applyTransitionColumns(c, req.Case)
	}
	return nil
}

func (r *memoryRepo) ListOrdered(_ context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.cases[caseID]; !ok {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	ledger := r.ledgers[caseID]
	out := make([]*HistoryEntry, 0, len(ledger))
	for _, e := range ledger {
		out = append(out, e.clone())
	}
	sortEntries(out)
	return out, nil
}

func (r *memoryRepo) ActiveEntry(_ context.Context, caseID uuid.UUID) (*HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.cases[caseID]; !ok {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	if active := findActive(r.ledgers[caseID]); active != nil {
		return active.clone(), nil
	}
	return nil, nil
}

// applyTransitionColumns copies the fields a transition owns from src.
func applyTransitionColumns(dst, src *Case) {
	u := src.clone()
	dst.CurrentDestinationParty = u.CurrentDestinationParty
	dst.AcceptedByActor = u.AcceptedByActor
	dst.DeclineReason = u.DeclineReason
	dst.RedirectSuggestion = u.RedirectSuggestion
	dst.UpdatedAt = u.UpdatedAt
}

func findActive(ledger []*HistoryEntry) *HistoryEntry {
	for _, e := range ledger {
		if e.IsActive {
			return e
		}
	}
	return nil
}
