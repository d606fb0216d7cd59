// Package postgres implements store.Store on top of Postgres via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"

	"github.com/ats-log/hr-sync-bridge/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the Postgres-backed store.Store implementation.
type DB struct {
	pool *pgxpool.Pool
	dsn  string
}

// Open connects to dsn and returns a ready DB. Call EnsureSchema before use.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &DB{pool: pool, dsn: dsn}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// EnsureSchema runs the embedded migrations against the DST database.
func (db *DB) EnsureSchema(ctx context.Context) error {
	return RunMigrations(db.dsn)
}

// RunMigrations applies the embedded migration set. Exported so cmd/initdb
// can run it standalone without opening a full DB handle.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("postgres: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// toMigrateURL rewrites a standard Postgres DSN into the scheme the pgx/v5
// migrate driver expects.
func toMigrateURL(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
	case strings.HasPrefix(dsn, "postgresql://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgresql://")
	default:
		return dsn
	}
}

// ---- cursors ----

func (db *DB) GetEmployeeCursor(ctx context.Context, sourceDatabase, sourceTable string) (*store.EmployeeCursor, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT source_database, source_table, last_change_at, last_source_id
		FROM employee_cursors WHERE source_database = $1 AND source_table = $2`,
		sourceDatabase, sourceTable)
	var c store.EmployeeCursor
	err := row.Scan(&c.SourceDatabase, &c.SourceTable, &c.LastChangeAt, &c.LastSourceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get employee cursor: %w", err)
	}
	return &c, nil
}

func (db *DB) SetEmployeeCursor(ctx context.Context, c store.EmployeeCursor) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO employee_cursors (source_database, source_table, last_change_at, last_source_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_database, source_table)
		DO UPDATE SET last_change_at = $3, last_source_id = $4`,
		c.SourceDatabase, c.SourceTable, c.LastChangeAt, c.LastSourceID)
	if err != nil {
		return fmt.Errorf("postgres: set employee cursor: %w", err)
	}
	return nil
}

func (db *DB) GetLeaveCursor(ctx context.Context, sourceDatabase string) (*store.LeaveCursor, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT source_database, company_id, employee_type, employee_id, leave_date, leave_time, seq_number
		FROM leave_cursors WHERE source_database = $1`, sourceDatabase)
	var c store.LeaveCursor
	err := row.Scan(&c.SourceDatabase, &c.CompanyID, &c.EmployeeType, &c.EmployeeID, &c.LeaveDate, &c.LeaveTime, &c.SeqNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get leave cursor: %w", err)
	}
	return &c, nil
}

func (db *DB) SetLeaveCursor(ctx context.Context, c store.LeaveCursor) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO leave_cursors (source_database, company_id, employee_type, employee_id, leave_date, leave_time, seq_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_database)
		DO UPDATE SET company_id = $2, employee_type = $3, employee_id = $4, leave_date = $5, leave_time = $6, seq_number = $7`,
		c.SourceDatabase, c.CompanyID, c.EmployeeType, c.EmployeeID, c.LeaveDate, c.LeaveTime, c.SeqNumber)
	if err != nil {
		return fmt.Errorf("postgres: set leave cursor: %w", err)
	}
	return nil
}

// ---- hash states ----

const hashChunkSize = 300 // parameter cap ~2100 per query, see spec §4.3 step 6

func (db *DB) GetHashes(ctx context.Context, sourceDatabase string, keys []string) (map[string][32]byte, error) {
	result := make(map[string][32]byte, len(keys))
	for start := 0; start < len(keys); start += hashChunkSize {
		end := start + hashChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		rows, err := db.pool.Query(ctx, `
			SELECT natural_key, payload_hash FROM hash_states
			WHERE source_database = $1 AND natural_key = ANY($2)`,
			sourceDatabase, chunk)
		if err != nil {
			return nil, fmt.Errorf("postgres: get hashes: %w", err)
		}
		for rows.Next() {
			var key string
			var h []byte
			if err := rows.Scan(&key, &h); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan hash: %w", err)
			}
			var arr [32]byte
			copy(arr[:], h)
			result[key] = arr
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: iterate hashes: %w", err)
		}
	}
	return result, nil
}

func (db *DB) SetHashes(ctx context.Context, sourceDatabase string, records []store.HashRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: set hashes begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO hash_states (source_database, natural_key, payload_hash, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (source_database, natural_key)
			DO UPDATE SET payload_hash = $3, updated_at = now()`,
			sourceDatabase, r.NaturalKey, r.PayloadHash[:])
		if err != nil {
			return fmt.Errorf("postgres: set hash %s: %w", r.NaturalKey, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: set hashes commit: %w", err)
	}
	return nil
}

// ---- outbox ----

func (db *DB) InsertEvent(ctx context.Context, e *store.Event) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO outbox_events (
			event_type, operation, company_id, employee_type, source_id, leave_date, situation,
			payload_version, payload_hash, payload_json, status, attempts, source_table
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'PENDING',0,$11)
		ON CONFLICT DO NOTHING`,
		e.EventType, e.Operation,
		naturalCompanyID(e), naturalEmployeeType(e), naturalSourceID(e), naturalLeaveDate(e), naturalSituation(e),
		e.PayloadVersion, e.PayloadHash[:], e.PayloadJSON, e.SourceTable,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil // race against a concurrent sync cycle; swallow (§7)
		}
		return false, fmt.Errorf("postgres: insert event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func naturalCompanyID(e *store.Event) int64 {
	if e.EventType == store.EventEmployeeUpsert {
		return e.EmployeeKey.CompanyID
	}
	return e.LeaveKey.CompanyID
}

func naturalEmployeeType(e *store.Event) int64 {
	if e.EventType == store.EventLeaveUpsert {
		return e.LeaveKey.EmployeeType
	}
	return 0
}

func naturalSourceID(e *store.Event) int64 {
	if e.EventType == store.EventEmployeeUpsert {
		return e.EmployeeKey.SourceID
	}
	return e.LeaveKey.SourceID
}

func naturalLeaveDate(e *store.Event) string {
	if e.EventType == store.EventLeaveUpsert {
		return e.LeaveKey.LeaveDate
	}
	return ""
}

func naturalSituation(e *store.Event) int64 {
	if e.EventType == store.EventLeaveUpsert {
		return e.LeaveKey.Situation
	}
	return 0
}

func (db *DB) SweepExpiredLeases(ctx context.Context, eventType store.EventType, lockTimeout time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-lockTimeout)
	tag, err := db.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'ERROR', lock_id = NULL, locked_at = NULL,
		    last_error = 'lease expired', updated_at = $3
		WHERE event_type = $1 AND status = 'PROCESSING' AND locked_at < $2`,
		eventType, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Claim implements the atomic lease grant of §4.4.1: one transaction,
// FOR UPDATE SKIP LOCKED to select dispatchable rows without blocking on
// concurrent claimers, then an UPDATE RETURNING to stamp ownership.
func (db *DB) Claim(ctx context.Context, eventType store.EventType, limit int, maxAttempts int, now time.Time) ([]*store.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM outbox_events
		WHERE event_type = $1
		  AND status IN ('PENDING', 'ERROR')
		  AND attempts < $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $3)
		-- id ASC stands in for "<natural key> ASC" (spec §4.4.1 step 1):
		-- id is monotonic with created_at and the natural key has no single
		-- column to order by across event types.
		ORDER BY COALESCE(next_retry_at, created_at) ASC, created_at ASC, id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		eventType, maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: claim scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim iterate: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	lockID := uuid.NewString()
	claimRows, err := tx.Query(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSING', lock_id = $1, locked_at = $2, updated_at = $2
		WHERE id = ANY($3)
		RETURNING id, event_type, operation, company_id, employee_type, source_id, leave_date, situation,
		          payload_version, payload_hash, payload_json, status, attempts, source_table,
		          created_at, updated_at, lock_id, locked_at, next_retry_at, last_error,
		          http_status, response_summary, processed_at`,
		lockID, now, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim update: %w", err)
	}
	var claimed []*store.Event
	for claimRows.Next() {
		e, err := scanEvent(claimRows)
		if err != nil {
			claimRows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	claimRows.Close()
	if err := claimRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim iterate update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: claim commit: %w", err)
	}
	return claimed, nil
}

func (db *DB) SettleSuccess(ctx context.Context, id int64, lockID string, httpStatus int, responseSummary string, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'DONE', attempts = attempts + 1, lock_id = NULL, locked_at = NULL,
		    http_status = $3, response_summary = $4, processed_at = $5, last_error = NULL,
		    next_retry_at = NULL, updated_at = $5
		WHERE id = $1 AND lock_id = $2`,
		id, lockID, httpStatus, responseSummary, now)
	if err != nil {
		return false, fmt.Errorf("postgres: settle success: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) SettleFailure(ctx context.Context, id int64, lockID string, lastError string, httpStatus *int, nextRetryAt *time.Time, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'ERROR', attempts = attempts + 1, lock_id = NULL, locked_at = NULL,
		    last_error = $3, http_status = $4, next_retry_at = $5, updated_at = $6
		WHERE id = $1 AND lock_id = $2`,
		id, lockID, lastError, httpStatus, nextRetryAt, now)
	if err != nil {
		return false, fmt.Errorf("postgres: settle failure: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// rowScanner lets scanEvent work against both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*store.Event, error) {
	var e store.Event
	var companyID, employeeType, sourceID, situation int64
	var leaveDate string
	var payloadHash []byte
	err := row.Scan(
		&e.ID, &e.EventType, &e.Operation, &companyID, &employeeType, &sourceID, &leaveDate, &situation,
		&e.PayloadVersion, &payloadHash, &e.PayloadJSON, &e.Status, &e.Attempts, &e.SourceTable,
		&e.CreatedAt, &e.UpdatedAt, &e.LockID, &e.LockedAt, &e.NextRetryAt, &e.LastError,
		&e.HTTPStatus, &e.ResponseSummary, &e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: scan event: %w", err)
	}
	copy(e.PayloadHash[:], payloadHash)
	if e.EventType == store.EventEmployeeUpsert {
		e.EmployeeKey = store.EmployeeKey{SourceID: sourceID, CompanyID: companyID}
	} else {
		e.LeaveKey = store.LeaveKey{CompanyID: companyID, EmployeeType: employeeType, SourceID: sourceID, LeaveDate: leaveDate, Situation: situation}
	}
	return &e, nil
}
