// Package store implements the durable, append-only event log described in
// spec.md §4.1, backed by SQLite via the pure-Go modernc.org/sqlite driver —
// the same driver the teacher repo uses for its local vector-memory backend
// (internal/memory/backend/sqlitevec), chosen here for the identical reason:
// a single-file, no-cgo store is the right fit for a local-first runtime.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/obra/lace/pkg/lace"
)

// ErrUnavailable is returned when the underlying database cannot serve a
// request; only sql.ErrConnDone and sql.ErrTxDone are classified this way.
// internal/thread passes it up to its caller unchanged: there is no
// in-memory fallback store, so the operation fails.
var ErrUnavailable = errors.New("store: unavailable")

// ErrThreadNotFound names the missing-thread condition. No Store method
// currently returns it: GetEvents yields an empty slice for an unknown
// thread.
var ErrThreadNotFound = errors.New("store: thread not found")

// ThreadMeta is a thread row without its events.
type ThreadMeta struct {
	ID            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ParentID      *string
	CompactionOf  *string
}

// Store is a durable, append-only event log for one or more threads.
// A single *sql.DB is shared by all callers; SetMaxOpenConns(1) enforces the
// single-writer-per-process discipline spec.md §5 requires, mirroring the
// connection-pool tuning the teacher applies to its Cockroach stores.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if necessary) and opens a SQLite database at path. Use
// ":memory:" for an ephemeral store, e.g. under LACE_TEST_MODE.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// _txlock=immediate makes every database/sql transaction issue BEGIN
	// IMMEDIATE under the hood, acquiring the write lock up front instead of
	// on first write — this is what gives Append its single-writer
	// durability contract without a separate locking layer.
	dsn := path
	if path != ":memory:" {
		if strings.Contains(path, "?") {
			dsn = path + "&_txlock=immediate"
		} else {
			dsn = path + "?_txlock=immediate"
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS threads (
			id             TEXT PRIMARY KEY,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			parent_id      TEXT,
			compaction_of  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			thread_id  TEXT NOT NULL,
			event_id   INTEGER NOT NULL,
			ts         TEXT NOT NULL,
			type       TEXT NOT NULL,
			data_blob  TEXT NOT NULL,
			PRIMARY KEY (thread_id, event_id),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// CreateThread inserts a new thread row. parentID and compactionOf are
// optional provenance pointers (nil for an ordinary root thread).
func (s *Store) CreateThread(ctx context.Context, id string, parentID, compactionOf *string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.withTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`INSERT INTO threads (id, created_at, updated_at, parent_id, compaction_of) VALUES (?, ?, ?, ?, ?)`,
			id, now, now, parentID, compactionOf)
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Append writes a single event to a thread's log inside an IMMEDIATE
// transaction: a successful return guarantees a fresh Open of the same
// database file observes the event (spec.md §4.1 durability contract).
// AGENT_TOKEN events must never reach this method; callers enforce that by
// construction (see internal/bus for the transient-subject split).
func (s *Store) Append(ctx context.Context, threadID string, eventID int64, evtType lace.EventType, data any) (lace.Event, error) {
	if !evtType.Persistable() {
		return lace.Event{}, fmt.Errorf("store: %s is not persistable", evtType)
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return lace.Event{}, fmt.Errorf("store: marshal event data: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.withTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (thread_id, event_id, ts, type, data_blob) VALUES (?, ?, ?, ?, ?)`,
			threadID, eventID, now.Format(time.RFC3339Nano), string(evtType), string(blob)); err != nil {
			return nil, err
		}
		return tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now.Format(time.RFC3339Nano), threadID)
	})
	if err != nil {
		return lace.Event{}, classify(err)
	}
	return lace.Event{ThreadID: threadID, EventID: eventID, Type: evtType, Time: now, Data: blob}, nil
}

// GetEvents returns all events for a thread in event-ID order.
func (s *Store) GetEvents(ctx context.Context, threadID string) ([]lace.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ts, type, data_blob FROM events WHERE thread_id = ? ORDER BY event_id ASC`, threadID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []lace.Event
	for rows.Next() {
		var (
			eventID int64
			ts      string
			typ     string
			blob    string
		)
		if err := rows.Scan(&eventID, &ts, &typ, &blob); err != nil {
			return nil, classify(err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse ts: %w", err)
		}
		out = append(out, lace.Event{
			ThreadID: threadID,
			EventID:  eventID,
			Type:     lace.EventType(typ),
			Time:     t,
			Data:     json.RawMessage(blob),
		})
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event_id recorded for threadID, or 0 if
// the thread has no events yet.
func (s *Store) LatestEventID(ctx context.Context, threadID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(event_id) FROM events WHERE thread_id = ?`, threadID).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id.Int64, nil
}

// ThreadExists reports whether a thread row has been created.
func (s *Store) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = ?`, threadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// ListThreads returns thread metadata ordered by updated_at descending,
// limited to n rows (0 means unlimited), per spec.md's listThreads op.
func (s *Store) ListThreads(ctx context.Context, n int) ([]ThreadMeta, error) {
	query := `SELECT id, created_at, updated_at, parent_id, compaction_of FROM threads ORDER BY updated_at DESC`
	args := []any{}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []ThreadMeta
	for rows.Next() {
		var (
			id, createdAt, updatedAt string
			parentID, compactionOf   sql.NullString
		)
		if err := rows.Scan(&id, &createdAt, &updatedAt, &parentID, &compactionOf); err != nil {
			return nil, classify(err)
		}
		m := ThreadMeta{ID: id}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if parentID.Valid {
			m.ParentID = &parentID.String
		}
		if compactionOf.Valid {
			m.CompactionOf = &compactionOf.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Vacuum runs periodic WAL housekeeping. Safe to call concurrently with
// reads; callers should not call it while holding a thread's write mutex
// for long stretches since it can briefly stall writers.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return classify(err)
	}
	return nil
}

// Close flushes and releases the database handle. Idempotent: calling Close
// twice returns nil the second time, matching the teacher's StoreSet.Close
// nil-check convention.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) (sql.Result, error)) (sql.Result, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	res, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
