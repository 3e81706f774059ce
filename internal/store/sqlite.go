package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remindd/internal/domain"
)

// SchemaVersion is the version this build of the store writes. Migrations
// are applied sequentially from the persisted version up to this one.
const SchemaVersion = 1

// Store owns all schedule persistence. All mutating operations commit before
// returning; SQLite serializes writers (the daemon opens the pool with a
// single connection).
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// Migrate opens the schema: it reads the persisted version from the meta
// table and applies every pending migration in order, each in its own
// transaction. Every step is idempotent so a crash mid-migration is safe to
// retry. Returns the resulting schema version.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS meta (
  name TEXT PRIMARY KEY NOT NULL,
  value INTEGER NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("create meta table: %w", err)
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	migrations := []func(context.Context, *sql.Tx) error{
		0: s.migrateToV0,
		1: s.migrateToV1,
	}
	for next := version + 1; next <= SchemaVersion; next++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := migrations[next](ctx, tx); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("migrate to version %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO meta(name, value) VALUES ('version', ?)
ON CONFLICT(name) DO UPDATE SET value=excluded.value`, next); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("record version %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return SchemaVersion, nil
}

// schemaVersion returns the persisted version, or -1 for a fresh database.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name='version'`)
	var v int
	switch err := row.Scan(&v); {
	case err == nil:
		return v, nil
	case errors.Is(err, sql.ErrNoRows):
		return -1, nil
	default:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
}

// Version 0: the schedules table and its three indices.
func (s *Store) migrateToV0(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schedules (
  id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
  payload TEXT NOT NULL,
  tenant_id INTEGER NOT NULL,
  target_id INTEGER NOT NULL,
  owner_id INTEGER NOT NULL,
  fire_at INTEGER NOT NULL,
  repeat_minutes REAL,
  canceled INTEGER NOT NULL DEFAULT 0 CHECK (canceled IN (0, 1))
);
CREATE INDEX IF NOT EXISTS idx_schedules_fire_at ON schedules (fire_at);
CREATE INDEX IF NOT EXISTS idx_schedules_tenant_owner ON schedules (tenant_id, owner_id);
CREATE INDEX IF NOT EXISTS idx_schedules_canceled ON schedules (canceled);
`)
	return err
}

// Version 1: the notify (privileged mention) flag.
func (s *Store) migrateToV1(ctx context.Context, tx *sql.Tx) error {
	row := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_table_info('schedules') WHERE name='notify'`)
	var present int
	if err := row.Scan(&present); err != nil {
		return err
	}
	if present > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`ALTER TABLE schedules ADD COLUMN notify INTEGER NOT NULL DEFAULT 0 CHECK (notify IN (0, 1))`)
	return err
}

const recordColumns = `id, payload, tenant_id, target_id, owner_id, fire_at, repeat_minutes, canceled, notify`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var (
		rec    domain.Record
		fireAt int64
		repeat sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &rec.Payload, &rec.TenantID, &rec.TargetID, &rec.OwnerID,
		&fireAt, &repeat, &rec.Canceled, &rec.Notify); err != nil {
		return domain.Record{}, err
	}
	rec.FireAt = time.Unix(fireAt, 0).UTC()
	if repeat.Valid {
		r := repeat.Float64
		rec.Repeat = &r
	}
	return rec, nil
}

// Insert durably appends a new record and returns it fully materialized,
// including the store-assigned id and the normalized timestamp.
func (s *Store) Insert(ctx context.Context, ev domain.Event) (domain.Record, error) {
	var repeat sql.NullFloat64
	if ev.Repeat != nil {
		repeat = sql.NullFloat64{Float64: *ev.Repeat, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (payload, tenant_id, target_id, owner_id, fire_at, repeat_minutes, notify)
VALUES (?,?,?,?,?,?,?)`,
		ev.Payload, ev.TenantID, ev.TargetID, ev.OwnerID, ev.FireAt.Unix(), repeat, ev.Notify)
	if err != nil {
		return domain.Record{}, fmt.Errorf("insert schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Record{}, err
	}
	return s.Get(ctx, id)
}

// Get fetches a record by id regardless of its canceled state.
func (s *Store) Get(ctx context.Context, id int64) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM schedules WHERE id=?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec, err
}

// SoftCancel latches canceled on the record, but only if it is still active
// and matches the given owner and tenant. Returns the record as it was before
// the cancel. Canceling twice, or canceling someone else's record, returns
// ErrNotFound.
func (s *Store) SoftCancel(ctx context.Context, id, ownerID, tenantID int64) (domain.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM schedules
WHERE canceled=0 AND id=? AND owner_id=? AND tenant_id=?`, id, ownerID, tenantID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE schedules SET canceled=1
WHERE canceled=0 AND id=? AND owner_id=? AND tenant_id=?`, id, ownerID, tenantID); err != nil {
		return domain.Record{}, fmt.Errorf("cancel schedule %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// Update edits an active record's payload, target, repeat and notify flag in
// place, with the same owner/tenant authorization as SoftCancel. The fire
// time is left untouched. Returns the record after the edit.
func (s *Store) Update(ctx context.Context, id, ownerID, tenantID int64, payload string, targetID int64, repeat *float64, notify bool) (domain.Record, error) {
	var rep sql.NullFloat64
	if repeat != nil {
		rep = sql.NullFloat64{Float64: *repeat, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET payload=?, target_id=?, repeat_minutes=?, notify=?
WHERE canceled=0 AND id=? AND owner_id=? AND tenant_id=?`,
		payload, targetID, rep, notify, id, ownerID, tenantID)
	if err != nil {
		return domain.Record{}, fmt.Errorf("update schedule %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Record{}, err
	} else if n == 0 {
		return domain.Record{}, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

// AdvanceRepeat moves the record's fire time forward after a successful
// repeat delivery. No-op if the record no longer exists.
func (s *Store) AdvanceRepeat(ctx context.Context, id int64, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET fire_at=? WHERE id=?`, fireAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("advance schedule %d: %w", id, err)
	}
	return nil
}

// MarkTerminal latches canceled after a one-shot delivery or a failed
// delivery attempt.
func (s *Store) MarkTerminal(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET canceled=1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("terminate schedule %d: %w", id, err)
	}
	return nil
}

// CountActive counts non-canceled records for a tenant, narrowed to a single
// target channel when targetID is non-zero.
func (s *Store) CountActive(ctx context.Context, tenantID, targetID int64) (int, error) {
	var row *sql.Row
	if targetID != 0 {
		row = s.db.QueryRowContext(ctx, `
SELECT count(*) FROM schedules
WHERE canceled=0 AND tenant_id=? AND target_id=?`, tenantID, targetID)
	} else {
		row = s.db.QueryRowContext(ctx, `
SELECT count(*) FROM schedules WHERE canceled=0 AND tenant_id=?`, tenantID)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active schedules: %w", err)
	}
	return n, nil
}

// ListActive returns a page of active records for a tenant ordered by fire
// time ascending, narrowed to a target channel when targetID is non-zero.
func (s *Store) ListActive(ctx context.Context, tenantID, targetID int64, limit, offset int) ([]domain.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if targetID != 0 {
		rows, err = s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM schedules
WHERE canceled=0 AND tenant_id=? AND target_id=?
ORDER BY fire_at, id LIMIT ? OFFSET ?`, tenantID, targetID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM schedules
WHERE canceled=0 AND tenant_id=?
ORDER BY fire_at, id LIMIT ? OFFSET ?`, tenantID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// LoadAllActive scans every non-canceled record; called once at startup to
// seed the readiness queue.
func (s *Store) LoadAllActive(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM schedules
WHERE canceled=0 ORDER BY fire_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load active schedules: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]domain.Record, error) {
	var recs []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Checkpoint truncates the WAL; run periodically by the maintenance job.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Stats reports active and canceled row counts for the maintenance gauges.
func (s *Store) Stats(ctx context.Context) (active, canceled int, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
  count(*) FILTER (WHERE canceled=0),
  count(*) FILTER (WHERE canceled=1)
FROM schedules`)
	if err := row.Scan(&active, &canceled); err != nil {
		return 0, 0, fmt.Errorf("schedule stats: %w", err)
	}
	return active, canceled, nil
}
