package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tripwire/logagent/internal/batch"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SpoolSink is a WAL-mode SQLite-backed batch spool. It is safe for
// concurrent use.
//
// The database runs with PRAGMA journal_mode = WAL so that a delivery
// goroutine can Dequeue and Ack while the dispatch loop keeps calling Emit.
// The delivered column is set to 1 only by Ack; batches spooled before a
// crash are returned again by the next Dequeue after restart.
type SpoolSink struct {
	db    *sql.DB
	depth atomic.Int64
}

// OpenSpool opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" gives an in-memory spool
// suitable for tests.
func OpenSpool(path string) (*SpoolSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent Emit calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(spoolDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &SpoolSink{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM batch_spool WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const spoolDDL = `
CREATE TABLE IF NOT EXISTS batch_spool (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT    NOT NULL UNIQUE,
    lines       INTEGER NOT NULL,
    reason      TEXT    NOT NULL,
    flushed_at  TEXT    NOT NULL,
    content     BLOB    NOT NULL,
    spooled_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_batch_spool_pending
    ON batch_spool (delivered, id);
`

// Emit persists b with delivered = 0. Re-emitting a batch ID that is already
// spooled is a no-op, so a retried Emit never duplicates a batch.
func (s *SpoolSink) Emit(ctx context.Context, b batch.Batch) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_spool (batch_id, lines, reason, flushed_at, content)
		 VALUES (?, ?, ?, ?, ?)`,
		b.ID,
		b.Lines,
		string(b.Reason),
		b.FlushedAt.UTC().Format(time.RFC3339Nano),
		b.Content,
	)
	if err != nil {
		return fmt.Errorf("spool: insert batch %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	s.depth.Add(n)
	return nil
}

// PendingBatch is an unacknowledged batch returned by Dequeue. Seq is the
// spool primary key used to acknowledge it.
type PendingBatch struct {
	Seq   int64
	Batch batch.Batch
}

// Dequeue returns up to n unacknowledged batches, oldest first, without
// marking them delivered. n <= 0 returns nil.
func (s *SpoolSink) Dequeue(ctx context.Context, n int) ([]PendingBatch, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, lines, reason, flushed_at, content
		 FROM   batch_spool
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingBatch
	for rows.Next() {
		var (
			pb     PendingBatch
			reason string
			tsStr  string
		)
		if err := rows.Scan(&pb.Seq, &pb.Batch.ID, &pb.Batch.Lines, &reason, &tsStr, &pb.Batch.Content); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		pb.Batch.Reason = batch.Reason(reason)
		pb.Batch.FlushedAt, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pb.Batch.FlushedAt, _ = time.Parse(time.RFC3339, tsStr)
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the batches identified by seqs as delivered. It is idempotent.
func (s *SpoolSink) Ack(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, id := range seqs {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE batch_spool SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of unacknowledged batches without touching the
// database.
func (s *SpoolSink) Depth() int {
	return int(s.depth.Load())
}

// Close closes the database. The spool must not be used afterwards.
func (s *SpoolSink) Close() error {
	return s.db.Close()
}
