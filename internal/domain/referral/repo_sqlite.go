package referral

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteRepo is a single-file Repository for standalone deployments and
// the CLI. Write transactions start with BEGIN IMMEDIATE so concurrent
// appenders serialize on the database lock.
type SQLiteRepo struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// embedded schema.
func OpenSQLite(path string) (*SQLiteRepo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepo{sqlDB: sqlDB}, nil
}

// Ping reports whether the database file is reachable.
func (r *SQLiteRepo) Ping(ctx context.Context) error {
	return r.sqlDB.PingContext(ctx)
}

// Close closes the database handle.
func (r *SQLiteRepo) Close() error {
	if r == nil || r.sqlDB == nil {
		return nil
	}
	return r.sqlDB.Close()
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

const sqliteCaseCols = `id, created_at, updated_at, active, subject_name, origin_party,
	current_destination_party, accepted_by_actor, decline_reason,
	redirect_suggestion, reason_text`

const sqliteEntryCols = `id, case_id, created_at, status_id, destination_party,
	is_active, note, actor_id, actor_party`

func (r *SQLiteRepo) CreateCase(ctx context.Context, c *Case, initial *HistoryEntry) error {
	tx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteError(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO referral_case (`+sqliteCaseCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), toMicros(c.CreatedAt), toMicros(c.UpdatedAt), c.Active,
		c.SubjectName, c.OriginParty, c.CurrentDestinationParty, c.AcceptedByActor,
		c.DeclineReason, c.RedirectSuggestion, c.ReasonText,
	)
	if err != nil {
		return translateSQLiteError(err)
	}
	if initial != nil {
		if err := sqliteInsertEntry(ctx, tx, initial); err != nil {
			return err
		}
	}
	return translateSQLiteError(tx.Commit())
}

func (r *SQLiteRepo) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := sqliteScanCase(r.sqlDB.QueryRowContext(ctx,
		`SELECT `+sqliteCaseCols+` FROM referral_case WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return c, err
}

// sqliteTransitionCase writes the columns a transition owns. It never
// writes active.
const sqliteTransitionCase = `
	UPDATE referral_case SET
		updated_at = ?, current_destination_party = ?, accepted_by_actor = ?,
		decline_reason = ?, redirect_suggestion = ?
	WHERE id = ?`

func sqliteTransitionArgs(c *Case) []interface{} {
	return []interface{}{
		toMicros(c.UpdatedAt), c.CurrentDestinationParty, c.AcceptedByActor,
		c.DeclineReason, c.RedirectSuggestion, c.ID.String(),
	}
}

// Deactivate runs in its own immediate transaction, so it cannot interleave
// with an Append on the same database.
func (r *SQLiteRepo) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteError(err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM referral_case WHERE id = ?`, id.String()).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	if err != nil {
		return translateSQLiteError(err)
	}
	if !active {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE referral_case SET active = 0, updated_at = MAX(updated_at, ?)
		WHERE id = ?`, toMicros(at), id.String()); err != nil {
		return translateSQLiteError(err)
	}
	return translateSQLiteError(tx.Commit())
}

func (r *SQLiteRepo) ListCases(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	where, args := caseFilterSQL(filter, "?")

	var total int
	if err := r.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_case`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.sqlDB.QueryContext(ctx,
		`SELECT `+sqliteCaseCols+` FROM referral_case`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := sqliteScanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, c)
	}
	return cases, total, rows.Err()
}

func (r *SQLiteRepo) Append(ctx context.Context, req AppendRequest) error {
	if req.Entry == nil {
		return fmt.Errorf("%w: entry is required", ErrValidation)
	}
	e := req.Entry

	tx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteError(err)
	}
	defer tx.Rollback()

	var known int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_status WHERE id = ?`, string(e.StatusID)).Scan(&known); err != nil {
		return translateSQLiteError(err)
	}
	if known == 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, e.StatusID)
	}

	var caseActive bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM referral_case WHERE id = ?`, e.CaseID.String()).Scan(&caseActive)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: case %s", ErrNotFound, e.CaseID)
	}
	if err != nil {
		return translateSQLiteError(err)
	}
	if !caseActive {
		return fmt.Errorf("%w: case %s is deactivated", ErrInvalidTransition, e.CaseID)
	}

	active, err := sqliteScanEntry(tx.QueryRowContext(ctx,
		`SELECT `+sqliteEntryCols+` FROM referral_history WHERE case_id = ? AND is_active = 1`, e.CaseID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		active = nil
	} else if err != nil {
		return translateSQLiteError(err)
	}

	if err := checkExpected(e, active, req.ExpectedActiveID); err != nil {
		return err
	}

	if active != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE referral_history SET is_active = 0 WHERE id = ?`, active.ID.String()); err != nil {
			return translateSQLiteError(err)
		}
	}
	if err := sqliteInsertEntry(ctx, tx, e); err != nil {
		return err
	}
	if req.Case != nil {
		if _, err := tx.ExecContext(ctx, sqliteTransitionCase, sqliteTransitionArgs(req.Case)...); err != nil {
			return translateSQLiteError(err)
		}
	}
	return translateSQLiteError(tx.Commit())
}

func sqliteInsertEntry(ctx context.Context, tx *sql.Tx, e *HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO referral_history (`+sqliteEntryCols+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		e.ID.String(), e.CaseID.String(), toMicros(e.CreatedAt), string(e.StatusID),
		e.DestinationParty, e.Note, e.ActorID, e.ActorParty,
	)
	return translateSQLiteError(err)
}

func (r *SQLiteRepo) ListOrdered(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := r.GetCase(ctx, caseID); err != nil {
		return nil, err
	}

	rows, err := r.sqlDB.QueryContext(ctx, `
		SELECT `+sqliteEntryCols+` FROM referral_history
		WHERE case_id = ?
		ORDER BY created_at, is_active, id`, caseID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := sqliteScanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLiteRepo) ActiveEntry(ctx context.Context, caseID uuid.UUID) (*HistoryEntry, error) {
	e, err := sqliteScanEntry(r.sqlDB.QueryRowContext(ctx,
		`SELECT `+sqliteEntryCols+` FROM referral_history WHERE case_id = ? AND is_active = 1`, caseID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.GetCase(ctx, caseID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e, err
}

func translateSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return fmt.Errorf("%w: %s", ErrConcurrentModification, sqliteErr.Error())
	case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %s", ErrNotFound, sqliteErr.Error())
	case sqlite3lib.SQLITE_CONSTRAINT_TRIGGER:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, sqliteErr.Error())
	}
	return err
}

func sqliteScanCase(row rowScanner) (*Case, error) {
	var c Case
	var created, updated int64
	err := row.Scan(
		&c.ID, &created, &updated, &c.Active, &c.SubjectName, &c.OriginParty,
		&c.CurrentDestinationParty, &c.AcceptedByActor, &c.DeclineReason,
		&c.RedirectSuggestion, &c.ReasonText,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return &c, nil
}

func sqliteScanEntry(row rowScanner) (*HistoryEntry, error) {
	var e HistoryEntry
	var created int64
	var status string
	err := row.Scan(
		&e.ID, &e.CaseID, &created, &status, &e.DestinationParty,
		&e.IsActive, &e.Note, &e.ActorID, &e.ActorParty,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMicros(created)
	e.StatusID = StatusID(status)
	return &e, nil
}
