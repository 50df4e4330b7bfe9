/*
Package sqlite provides SQLite-backed implementations of the storage interfaces.

PURPOSE:
  One database file holds every aggregate of the engine. Each domain
  package defines the Store it needs and this package implements them
  over a shared *sql.DB, so a single process can run on one file.

INTERFACES IMPLEMENTED:
  shift.Repository:   shifts and assignments
  escrow.Store:       payments, payouts and the ledger journal
  ledger.Store:       append-only journal (also usable on its own)
  dispute.Store:      disputes
  compliance.Store:   eligibility, exemptions, violations

ROW LAYOUT:
  Every aggregate is stored as a JSON body next to the columns queries
  filter or sort on. The version column is authoritative; updates are
  compare-and-swap on it and return a conflict when another writer won.

APPEND-ONLY ENFORCEMENT:
  ledger_entries is never updated or deleted. UNIQUE(payment_id, sequence)
  and UNIQUE(idempotency_key) turn concurrent appends into
  ledger.ErrSequenceTaken / ledger.ErrDuplicateKey, which the ledger
  retries or replays.

CONCURRENCY:
  The database is opened in WAL mode with _txlock=immediate, so a
  transaction takes the write lock at BEGIN and readers never block.
  Competing writers wait up to the busy timeout.

USAGE:
  db, err := sqlite.Open("./data/shift-engine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

  shifts := db.Shifts()
  payments := db.Escrow()

MIGRATION:
  Schema is auto-migrated on Open(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - shift/repository.go, escrow/memory.go: in-memory counterparts
  - ledger/ledger.go: the journal contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DB owns the connection pool and hands out the typed stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping is used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Shifts() *ShiftRepository { return &ShiftRepository{db: d.db, q: d.db} }

func (d *DB) Escrow() *EscrowStore { return &EscrowStore{db: d.db, q: d.db} }

func (d *DB) Journal() *Journal { return &Journal{q: d.db} }

func (d *DB) Disputes() *DisputeStore { return &DisputeStore{q: d.db} }

func (d *DB) Compliance() *ComplianceStore { return &ComplianceStore{q: d.db} }

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record_status TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shifts_business ON shifts(business_id);
	CREATE INDEX IF NOT EXISTS idx_shifts_status_start ON shifts(status, starts_at);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL REFERENCES shifts(id),
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_shift ON assignments(shift_id);
	-- hot path of the compliance gate (rest, daily and weekly caps)
	CREATE INDEX IF NOT EXISTS idx_assignments_worker_status ON assignments(worker_id, status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_shift ON payments(shift_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		status TEXT NOT NULL,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payouts_payment ON payouts(payment_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_payouts_due ON payouts(status, next_attempt_at);

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE(payment_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		active INTEGER NOT NULL,
		opened_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_disputes_shift ON disputes(shift_id);
	-- one active dispute per assignment
	CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_active_assignment
		ON disputes(assignment_id) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS worker_eligibility (
		worker_id TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS compliance_exemptions (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exemptions_worker ON compliance_exemptions(worker_id);

	CREATE TABLE IF NOT EXISTS compliance_violations (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_worker ON compliance_violations(worker_id, detected_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one database transaction, committing when fn
// returns nil.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// timeLayout is fixed-width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode row: %w", err)
	}
	return string(raw), nil
}

func decode(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// violatesColumn reports whether a unique violation names table.column.
func violatesColumn(err error, column string) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), column)
}

// queryBodies runs a query whose first two columns are version and body.
func queryBodies[T any](ctx context.Context, q querier, setVersion func(*T, int64), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			version int64
			body    string
			v       T
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if err := decode(body, &v); err != nil {
			return nil, err
		}
		if setVersion != nil {
			setVersion(&v, version)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
