package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referral/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres-backed Repository. Tables live in the
// tenant schema selected by db.TenantMiddleware.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `id, created_at, updated_at, active, subject_name, origin_party,
	current_destination_party, accepted_by_actor, decline_reason,
	redirect_suggestion, reason_text`

const entryCols = `id, case_id, created_at, status_id, destination_party,
	is_active, note, actor_id, actor_party`

// Postgres error codes the ledger translates.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgRaiseException       = "P0001"
)

func (r *repoPG) CreateCase(ctx context.Context, c *Case, initial *HistoryEntry) error {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO referral_case (`+caseCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.CreatedAt, c.UpdatedAt, c.Active, c.SubjectName, c.OriginParty,
		c.CurrentDestinationParty, c.AcceptedByActor, c.DeclineReason,
		c.RedirectSuggestion, c.ReasonText,
	)
	if err != nil {
		return translatePGError(err)
	}

	if initial != nil {
		if err := insertEntry(ctx, tx, initial); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *repoPG) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM referral_case WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return c, err
}

// Deactivate locks the case row like Append does, so it serializes with
// in-flight transitions and only ever writes active and updated_at.
func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx, `SELECT active FROM referral_case WHERE id = $1 FOR UPDATE`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	if err != nil {
		return translatePGError(err)
	}
	if !active {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE referral_case SET active = FALSE, updated_at = GREATEST(updated_at, $2)
		WHERE id = $1`, id, at); err != nil {
		return translatePGError(err)
	}
	return translatePGError(tx.Commit(ctx))
}

// transitionCaseSQL writes the columns a transition owns. It never writes
// active.
const transitionCaseSQL = `
	UPDATE referral_case SET
		updated_at=$2, current_destination_party=$3, accepted_by_actor=$4,
		decline_reason=$5, redirect_suggestion=$6
	WHERE id = $1`

func transitionCaseArgs(c *Case) []interface{} {
	return []interface{}{
		c.ID, c.UpdatedAt, c.CurrentDestinationParty, c.AcceptedByActor,
		c.DeclineReason, c.RedirectSuggestion,
	}
}

func (r *repoPG) ListCases(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	where, args := caseFilterSQL(filter, "$")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM referral_case`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+caseCols+` FROM referral_case%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, c)
	}
	return cases, total, rows.Err()
}

// caseFilterSQL renders the WHERE clause for ListFilter. placeholder is "$"
// for Postgres numbered parameters or "?" for SQLite.
func caseFilterSQL(filter ListFilter, placeholder string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	next := func() string {
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeInactive {
		conds = append(conds, "active = TRUE")
	}
	if filter.OriginParty != "" {
		args = append(args, filter.OriginParty)
		conds = append(conds, "origin_party = "+next())
	}
	if filter.DestinationParty != "" {
		args = append(args, filter.DestinationParty)
		conds = append(conds, "current_destination_party = "+next())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Append locks the case row, so appends to one case are serialized and the
// loser of a race observes a changed active entry. The same lock orders it
// against Deactivate.
func (r *repoPG) Append(ctx context.Context, req AppendRequest) error {
	if req.Entry == nil {
		return fmt.Errorf("%w: entry is required", ErrValidation)
	}
	e := req.Entry

	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var caseActive bool
	err = tx.QueryRow(ctx, `SELECT active FROM referral_case WHERE id = $1 FOR UPDATE`, e.CaseID).Scan(&caseActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: case %s", ErrNotFound, e.CaseID)
	}
	if err != nil {
		return translatePGError(err)
	}
	if !caseActive {
		return fmt.Errorf("%w: case %s is deactivated", ErrInvalidTransition, e.CaseID)
	}

	active, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryCols+` FROM referral_history WHERE case_id = $1 AND is_active`, e.CaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		active = nil
	} else if err != nil {
		return translatePGError(err)
	}

	if err := checkExpected(e, active, req.ExpectedActiveID); err != nil {
		return err
	}

	if active != nil {
		if _, err := tx.Exec(ctx, `UPDATE referral_history SET is_active = FALSE WHERE id = $1`, active.ID); err != nil {
			return translatePGError(err)
		}
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	if req.Case != nil {
		if _, err := tx.Exec(ctx, transitionCaseSQL, transitionCaseArgs(req.Case)...); err != nil {
			return translatePGError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translatePGError(err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO referral_history (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6,$7,$8)`,
		e.ID, e.CaseID, e.CreatedAt, string(e.StatusID), e.DestinationParty,
		e.Note, e.ActorID, e.ActorParty,
	)
	return translatePGError(err)
}

func (r *repoPG) ListOrdered(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	q := r.conn(ctx)
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM referral_case WHERE id = $1)`, caseID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}

	rows, err := q.Query(ctx, `
		SELECT `+entryCols+` FROM referral_history
		WHERE case_id = $1
		ORDER BY created_at, is_active, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repoPG) ActiveEntry(ctx context.Context, caseID uuid.UUID) (*HistoryEntry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM referral_history WHERE case_id = $1 AND is_active`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.GetCase(ctx, caseID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e, err
}

// checkExpected compares the stored active entry with the caller's view
// and enforces monotonic audit time.
func checkExpected(e, active *HistoryEntry, expected uuid.UUID) error {
	activeID := uuid.Nil
	if active != nil {
		activeID = active.ID
	}
	if activeID != expected {
		return fmt.Errorf("%w: case %s active entry is %s, expected %s",
			ErrConcurrentModification, e.CaseID, activeID, expected)
	}
	if active != nil && e.CreatedAt.Before(active.CreatedAt) {
		return fmt.Errorf("%w: created_at %s precedes active entry %s",
			ErrValidation, e.CreatedAt, active.CreatedAt)
	}
	return nil
}

func translatePGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation, pgSerializationFailure:
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
	case pgForeignKeyViolation:
		if strings.Contains(pgErr.ConstraintName, "status") {
			return fmt.Errorf("%w: unknown status (%s)", ErrInvalidTransition, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
	case pgRaiseException:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, pgErr.Message)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*Case, error) {
	var c Case
	err := row.Scan(
		&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Active, &c.SubjectName, &c.OriginParty,
		&c.CurrentDestinationParty, &c.AcceptedByActor, &c.DeclineReason,
		&c.RedirectSuggestion, &c.ReasonText,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanEntry(row rowScanner) (*HistoryEntry, error) {
	var e HistoryEntry
	var status string
	err := row.Scan(
		&e.ID, &e.CaseID, &e.CreatedAt, &status, &e.DestinationParty,
		&e.IsActive, &e.Note, &e.ActorID, &e.ActorParty,
	)
	if err != nil {
		return nil, err
	}
	e.StatusID = StatusID(status)
	return &e, nil
}
