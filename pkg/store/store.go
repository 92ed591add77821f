// Package store implements the authoritative current-state projection: an
// embedded SQLite database with WAL journaling. All state-mutating calls run
// as immediate transactions so writers queue behind the 5s busy timeout
// instead of failing on lock contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 3),
	state            TEXT NOT NULL DEFAULT 'QUEUED',
	phase            TEXT NOT NULL DEFAULT 'BRAINSTORM',
	assigned_model   TEXT NOT NULL DEFAULT '',
	lane             TEXT NOT NULL DEFAULT 'impl',
	shard            TEXT NOT NULL DEFAULT '',
	worker_id        TEXT,
	submitter        TEXT NOT NULL DEFAULT 'unknown',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER NOT NULL DEFAULT 0,
	heartbeat_at     INTEGER NOT NULL DEFAULT 0,
	last_activity_at INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL,
	metadata         TEXT NOT NULL DEFAULT '{}',
	trace_id         TEXT NOT NULL DEFAULT '',
	hash_version     INTEGER NOT NULL DEFAULT 1,
	CHECK (state != 'RUNNING' OR worker_id IS NOT NULL),
	CHECK (state != 'QUEUED' OR worker_id IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, shard, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_submitter ON tasks(submitter, state);

CREATE TABLE IF NOT EXISTS workers (
	worker_id      TEXT PRIMARY KEY,
	pid            INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'starting',
	specialization TEXT NOT NULL,
	shard          TEXT NOT NULL,
	model          TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_slot ON workers(specialization, shard, status);

CREATE TABLE IF NOT EXISTS heartbeats (
	worker_id                TEXT PRIMARY KEY,
	timestamp                INTEGER NOT NULL,
	status                   TEXT NOT NULL,
	task_id                  TEXT NOT NULL DEFAULT '',
	task_type                TEXT NOT NULL DEFAULT '',
	progress_percent         INTEGER NOT NULL DEFAULT 0,
	expected_timeout_seconds INTEGER NOT NULL DEFAULT 0,
	last_activity_at         INTEGER NOT NULL DEFAULT 0,
	updated_at               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	task_id   TEXT,
	type      TEXT NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL DEFAULT '{}',
	trace_id  TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, timestamp);

CREATE TABLE IF NOT EXISTS artifacts (
	task_id     TEXT NOT NULL,
	phase       TEXT NOT NULL,
	path        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'other',
	checksum    TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	verified_at INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (task_id, phase, path)
);

CREATE TABLE IF NOT EXISTS shard_health (
	component  TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'unknown',
	details    TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

// EventSink observes every event after the transaction recording it has
// committed. Sinks run synchronously on the writer's goroutine.
type EventSink func(ev types.Event)

// Store wraps the embedded database
type Store struct {
	db *sql.DB

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// Open opens (creating if needed) the orchestrator database under dataDir
// with WAL journaling, a 5s busy timeout, foreign keys on, and immediate
// transactions.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "orchestrator.db")
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but a single writer; one connection per
	// process keeps the driver from fighting itself.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// AddSink registers a post-commit event observer. The durable JSONL log and
// the in-process broker both attach through here, so they only ever see
// events whose state change actually committed.
func (s *Store) AddSink(fn EventSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, fn)
}

// emit fans a committed event out to every registered sink.
func (s *Store) emit(ev types.Event) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	for _, fn := range s.sinks {
		fn(ev)
	}
}

// begin starts an immediate write transaction.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// toNS and fromNS convert between time.Time and the INTEGER nanosecond
// columns. Zero times round-trip as 0.
func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
