// Package journal keeps an append-only history of every frame the ledger
// accepted, in SQLite. The journal is for inspection and replay; it is never
// read back by the pipeline itself.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"veil/internal/logging"
	"veil/internal/veil"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Direction tells incoming and outgoing frames apart.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Record is one journaled frame.
type Record struct {
	Sequence   int64
	Direction  Direction
	Timestamp  time.Time
	Focus      string
	Operations int
	Payload    []byte // CBOR-encoded frame
	RecordedAt time.Time
}

// Frame decodes the stored payload.
func (r Record) Frame() (veil.AnyFrame, error) {
	switch r.Direction {
	case DirectionOutgoing:
		var f veil.OutgoingFrame
		if err := veil.Decode(r.Payload, &f, veil.FormatCBOR); err != nil {
			return veil.AnyFrame{}, fmt.Errorf("frame %d: %w", r.Sequence, err)
		}
		return veil.AnyFrame{Outgoing: &f}, nil
	default:
		var f veil.IncomingFrame
		if err := veil.Decode(r.Payload, &f, veil.FormatCBOR); err != nil {
			return veil.AnyFrame{}, fmt.Errorf("frame %d: %w", r.Sequence, err)
		}
		return veil.AnyFrame{Incoming: &f}, nil
	}
}

// Query filters Frames.
type Query struct {
	Since     int64     // only sequences greater than Since
	Direction Direction // "" for both
	Limit     int       // 0 for no limit
}

// Journal is a SQLite-backed frame history.
type Journal struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

// Open opens (or creates) the journal at path. MemoryPath gives a journal
// that lives as long as the process.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if path == MemoryPath {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	j := &Journal{db: db, path: path, now: time.Now}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.JournalDebug("journal opened at %s", path)
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		sequence INTEGER PRIMARY KEY,
		direction TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		focus TEXT NOT NULL DEFAULT '',
		op_count INTEGER NOT NULL,
		payload BLOB NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frames_direction ON frames(direction);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Path returns the database location.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordIncoming appends an incoming frame.
func (j *Journal) RecordIncoming(ctx context.Context, frame veil.IncomingFrame) error {
	return j.insert(ctx, frame.Sequence, DirectionIncoming, frame.Timestamp, frame.Focus, len(frame.Operations), frame)
}

// RecordOutgoing appends an outgoing frame.
func (j *Journal) RecordOutgoing(ctx context.Context, frame veil.OutgoingFrame) error {
	return j.insert(ctx, frame.Sequence, DirectionOutgoing, frame.Timestamp, "", len(frame.Operations), frame)
}

func (j *Journal) insert(ctx context.Context, seq int64, dir Direction, ts time.Time, focus string, ops int, frame any) error {
	payload, err := veil.Encode(frame, veil.FormatCBOR)
	if err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", seq, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO frames (sequence, direction, timestamp, focus, op_count, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		seq, string(dir), ts.UTC().Format(time.RFC3339Nano), focus, ops, payload, j.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		logging.JournalError("failed to journal %s frame %d: %v", dir, seq, err)
		return fmt.Errorf("failed to journal frame %d: %w", seq, err)
	}
	logging.JournalDebug("journaled %s frame %d (%d ops, %d bytes)", dir, seq, ops, len(payload))
	return nil
}

// Frames returns journaled frames in sequence order.
func (j *Journal) Frames(ctx context.Context, q Query) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	query := "SELECT sequence, direction, timestamp, focus, op_count, payload, recorded_at FROM frames WHERE sequence > ?"
	args := []any{q.Since}
	if q.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(q.Direction))
	}
	query += " ORDER BY sequence ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			dir        string
			ts         string
			recordedAt string
		)
		if err := rows.Scan(&r.Sequence, &dir, &ts, &r.Focus, &r.Operations, &r.Payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		r.Direction = Direction(dir)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Replay decodes every journaled frame in sequence order, ready to be fed to
// a fresh ledger.
func (j *Journal) Replay(ctx context.Context) ([]veil.AnyFrame, error) {
	records, err := j.Frames(ctx, Query{})
	if err != nil {
		return nil, err
	}
	frames := make([]veil.AnyFrame, 0, len(records))
	var errs []error
	for _, r := range records {
		f, err := r.Frame()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errors.Join(errs...)
}

// Count returns the number of journaled frames.
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count journal frames: %w", err)
	}
	return n, nil
}
