package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/referral/internal/domain/referral/metrics"
)

// DefaultEventChannel is the pub/sub channel committed transitions go to.
const DefaultEventChannel = "referral.transitions"

// EventPublisher delivers committed transition events to external
// collaborators (notification lists, dashboards).
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// TransitionEvent is published after a ledger entry commits.
type TransitionEvent struct {
	CaseID           uuid.UUID `json:"case_id"`
	EntryID          uuid.UUID `json:"entry_id"`
	Operation        Operation `json:"operation"`
	From             StatusID  `json:"from,omitempty"`
	To               StatusID  `json:"to"`
	DestinationParty *string   `json:"destination_party,omitempty"`
	ActorID          *string   `json:"actor_id,omitempty"`
	ActorParty       *string   `json:"actor_party,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID    string
	Party string
}

type actorKey struct{}

// WithActor attaches the acting identity to ctx. Entries written under ctx
// record it.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor attached by WithActor, if any.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// CreateCaseInput carries the fields required to open a referral.
type CreateCaseInput struct {
	SubjectName      string  `json:"subject_name"`
	OriginParty      string  `json:"origin_party"`
	DestinationParty *string `json:"destination_party,omitempty"`
	ReasonText       *string `json:"reason_text,omitempty"`
}

// Service is the transition engine. It validates operations against the
// state machine and the case's active entry, then appends to the ledger.
// It never retries; a lost race surfaces as ErrConcurrentModification.
type Service struct {
	repo      Repository
	catalog   Catalog
	metrics   *metrics.Metrics
	publisher EventPublisher
	channel   string
	logger    zerolog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	triggers  map[StatusID]bool
}

func NewService(repo Repository, catalog Catalog) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Service{
		repo:    repo,
		catalog: catalog,
		channel: DefaultEventChannel,
		logger:  zerolog.Nop(),
		now:     time.Now,
		tracer:  otel.Tracer("github.com/ehr/referral/internal/domain/referral"),
	}
}

// SetMetrics attaches optional prometheus metrics.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetPublisher attaches an optional event publisher. An empty channel keeps
// DefaultEventChannel.
func (s *Service) SetPublisher(p EventPublisher, channel string) {
	s.publisher = p
	if channel != "" {
		s.channel = channel
	}
}

// SetLogger replaces the no-op logger.
func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetArrivalTriggers overrides the statuses that move the subject's
// location during timeline reconstruction.
func (s *Service) SetArrivalTriggers(triggers map[StatusID]bool) { s.triggers = triggers }

// Catalog returns the status catalog the engine validates against.
func (s *Service) Catalog() Catalog { return s.catalog }

func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (*Case, error) {
	ctx, span := s.tracer.Start(ctx, "referral.create")
	defer span.End()
	start := time.Now()
	defer s.metrics.ObserveTransition(start)

	subject := strings.TrimSpace(in.SubjectName)
	origin := strings.TrimSpace(in.OriginParty)
	if subject == "" {
		s.metrics.IncrementRejection(string(OpCreate), "validation")
		return nil, fmt.Errorf("%w: subject_name is required", ErrValidation)
	}
	if origin == "" {
		s.metrics.IncrementRejection(string(OpCreate), "validation")
		return nil, fmt.Errorf("%w: origin_party is required", ErrValidation)
	}
	if err := checkTransition("", OpCreate, StatusPending); err != nil {
		return nil, err
	}

	now := s.timestamp(nil)
	dest := optionalText(in.DestinationParty)
	c := &Case{
		ID:                      newID(),
		CreatedAt:               now,
		UpdatedAt:               now,
		Active:                  true,
		SubjectName:             subject,
		OriginParty:             origin,
		CurrentDestinationParty: dest,
		ReasonText:              optionalText(in.ReasonText),
	}
	actor := ActorFromContext(ctx)
	initial := &HistoryEntry{
		ID:               newID(),
		CaseID:           c.ID,
		CreatedAt:        now,
		StatusID:         StatusPending,
		DestinationParty: clonePtr(dest),
		IsActive:         true,
		ActorID:          optionalText(&actor.ID),
		ActorParty:       optionalText(&actor.Party),
	}

	if err := s.repo.CreateCase(ctx, c, initial); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("create case: %w", err)
	}
	span.SetAttributes(attribute.String("referral.case_id", c.ID.String()))

	s.committed(ctx, OpCreate, "", initial)
	return c, nil
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetCase(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	return s.repo.ListCases(ctx, filter, limit, offset)
}

// Accept records the receiving side's acceptance. Valid from pending only.
func (s *Service) Accept(ctx context.Context, caseID uuid.UUID, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		s.metrics.IncrementRejection(string(OpAccept), "validation")
		return fmt.Errorf("%w: accepting actor is required", ErrValidation)
	}
	return s.apply(ctx, caseID, change{
		op:      OpAccept,
		to:      StatusAccepted,
		note:    strPtr("accepted by " + actor),
		actorID: actor,
		mutate: func(c *Case) {
			c.AcceptedByActor = strPtr(actor)
		},
	})
}

// Decline records the receiving side's refusal. reason is required;
// redirect optionally names a better-suited destination.
func (s *Service) Decline(ctx context.Context, caseID uuid.UUID, reason string, redirect *string) error {
	if strings.TrimSpace(reason) == "" {
		s.metrics.IncrementRejection(string(OpDecline), "validation")
		return fmt.Errorf("%w: decline reason is required", ErrValidation)
	}
	suggestion := optionalText(redirect)
	return s.apply(ctx, caseID, change{
		op:   OpDecline,
		to:   StatusDeclined,
		note: strPtr(reason),
		mutate: func(c *Case) {
			c.DeclineReason = strPtr(reason)
			c.RedirectSuggestion = suggestion
		},
	})
}

// Advance moves the case to target along a movement edge (in-transit,
// arrived, admitted). Re-issuing the current status is a no-op.
func (s *Service) Advance(ctx context.Context, caseID uuid.UUID, target StatusID) error {
	return s.apply(ctx, caseID, change{op: OpAdvance, to: target})
}

// Arrive is Advance(arrived).
func (s *Service) Arrive(ctx context.Context, caseID uuid.UUID) error {
	return s.Advance(ctx, caseID, StatusArrived)
}

// Admit is Advance(admitted).
func (s *Service) Admit(ctx context.Context, caseID uuid.UUID) error {
	return s.Advance(ctx, caseID, StatusAdmitted)
}

// Discharge closes the case. note is required and stored verbatim.
func (s *Service) Discharge(ctx context.Context, caseID uuid.UUID, note string) error {
	if strings.TrimSpace(note) == "" {
		s.metrics.IncrementRejection(string(OpDischarge), "validation")
		return fmt.Errorf("%w: discharge note is required", ErrValidation)
	}
	return s.apply(ctx, caseID, change{
		op:   OpDischarge,
		to:   StatusDischarged,
		note: strPtr(note),
	})
}

// Reroute points a pending case at a new destination.
func (s *Service) Reroute(ctx context.Context, caseID uuid.UUID, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		s.metrics.IncrementRejection(string(OpReroute), "validation")
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	return s.apply(ctx, caseID, change{
		op:          OpReroute,
		to:          StatusPending,
		destination: strPtr(destination),
		mutate: func(c *Case) {
			c.CurrentDestinationParty = strPtr(destination)
		},
	})
}

// Deactivate hides the case from primary listings. The ledger is untouched
// and stays queryable. Transitions committed before it keep their case
// fields; transitions after it fail with ErrInvalidTransition.
func (s *Service) Deactivate(ctx context.Context, caseID uuid.UUID) error {
	at := s.now().UTC().Truncate(time.Microsecond)
	if err := s.repo.Deactivate(ctx, caseID, at); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("deactivate case: %w", err)
	}
	s.logger.Debug().Str("case_id", caseID.String()).Msg("referral deactivated")
	return nil
}

// GetCurrentStatus returns the active entry's status, or nil when the case
// has no ledger entries.
func (s *Service) GetCurrentStatus(ctx context.Context, caseID uuid.UUID) (*StatusID, error) {
	active, err := s.repo.ActiveEntry(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}
	st := active.StatusID
	return &st, nil
}

// GetTimeline loads the ledger and reconstructs destination and location
// for every entry.
func (s *Service) GetTimeline(ctx context.Context, caseID uuid.UUID) ([]Step, error) {
	ctx, span := s.tracer.Start(ctx, "referral.timeline")
	defer span.End()
	defer s.metrics.ObserveTimeline(time.Now())

	c, err := s.repo.GetCase(ctx, caseID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	entries, err := s.repo.ListOrdered(ctx, caseID)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("list history: %w", err)
	}
	return Reconstruct(entries, c.OriginParty, s.triggers), nil
}

// History returns the raw ordered ledger.
func (s *Service) History(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListOrdered(ctx, caseID)
}

type change struct {
	op          Operation
	to          StatusID
	destination *string
	note        *string
	actorID     string
	mutate      func(c *Case)
}

// apply reads the active entry, checks the edge, and appends with a
// compare-and-swap on that entry. Nothing is written on any error path.
func (s *Service) apply(ctx context.Context, caseID uuid.UUID, ch change) (err error) {
	ctx, span := s.tracer.Start(ctx, "referral."+string(ch.op), trace.WithAttributes(
		attribute.String("referral.case_id", caseID.String()),
		attribute.String("referral.target", string(ch.to)),
	))
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()
	defer s.metrics.ObserveTransition(time.Now())

	if _, err := s.catalog.Resolve(ch.to); err != nil {
		s.metrics.IncrementRejection(string(ch.op), "unknown_status")
		return err
	}

	c, err := s.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	active, err := s.repo.ActiveEntry(ctx, caseID)
	if err != nil {
		return fmt.Errorf("load active entry: %w", err)
	}

	var from StatusID
	expected := uuid.Nil
	if active != nil {
		from = active.StatusID
		expected = active.ID
	}

	if s.isReissue(c, active, ch) {
		s.logger.Debug().
			Str("case_id", caseID.String()).
			Str("status", string(ch.to)).
			Msg("referral transition re-issued, no-op")
		return nil
	}
	if !c.Active {
		s.metrics.IncrementRejection(string(ch.op), "inactive")
		return fmt.Errorf("%w: case %s is deactivated", ErrInvalidTransition, caseID)
	}
	if err := checkTransition(from, ch.op, ch.to); err != nil {
		s.metrics.IncrementRejection(string(ch.op), "invalid_transition")
		return err
	}

	actor := ActorFromContext(ctx)
	actorID := ch.actorID
	if actorID == "" {
		actorID = actor.ID
	}
	actorParty := actor.Party
	if ch.op == OpAccept && actorParty == "" {
		actorParty = strPtrVal(c.CurrentDestinationParty)
	}

	entry := &HistoryEntry{
		ID:               newID(),
		CaseID:           caseID,
		CreatedAt:        s.timestamp(active),
		StatusID:         ch.to,
		DestinationParty: ch.destination,
		IsActive:         true,
		Note:             ch.note,
		ActorID:          optionalText(&actorID),
		ActorParty:       optionalText(&actorParty),
	}

	req := AppendRequest{Entry: entry, ExpectedActiveID: expected}
	if ch.mutate != nil {
		updated := c.clone()
		ch.mutate(updated)
		updated.UpdatedAt = entry.CreatedAt
		req.Case = updated
	}

	if err := s.repo.Append(ctx, req); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.metrics.IncrementConflict()
		}
		return fmt.Errorf("%s case %s: %w", ch.op, caseID, err)
	}

	s.committed(ctx, ch.op, from, entry)
	return nil
}

// isReissue reports whether ch repeats the case's current state.
func (s *Service) isReissue(c *Case, active *HistoryEntry, ch change) bool {
	if active == nil || active.StatusID != ch.to {
		return false
	}
	if ch.op == OpReroute {
		return strPtrVal(c.CurrentDestinationParty) == strPtrVal(ch.destination)
	}
	return true
}

func (s *Service) committed(ctx context.Context, op Operation, from StatusID, e *HistoryEntry) {
	s.metrics.IncrementTransition(string(op), string(e.StatusID))
	s.logger.Debug().
		Str("case_id", e.CaseID.String()).
		Str("entry_id", e.ID.String()).
		Str("operation", string(op)).
		Str("from", string(from)).
		Str("to", string(e.StatusID)).
		Msg("referral transition committed")

	if s.publisher == nil {
		return
	}
	evt := TransitionEvent{
		CaseID:           e.CaseID,
		EntryID:          e.ID,
		Operation:        op,
		From:             from,
		To:               e.StatusID,
		DestinationParty: e.DestinationParty,
		ActorID:          e.ActorID,
		ActorParty:       e.ActorParty,
		OccurredAt:       e.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, s.channel, evt); err != nil {
		s.metrics.IncrementPublishFailure()
		s.logger.Error().Err(err).
			Str("case_id", e.CaseID.String()).
			Str("entry_id", e.ID.String()).
			Msg("failed to publish referral transition")
	}
}

// timestamp reads the clock, never earlier than the active entry.
func (s *Service) timestamp(active *HistoryEntry) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if active != nil && now.Before(active.CreatedAt) {
		return active.CreatedAt
	}
	return now
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// optionalText trims s and maps blank values to nil.
func optionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
