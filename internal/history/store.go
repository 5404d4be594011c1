// Package history persists a record of every orchestration cycle in a local
// SQLite database so soft failures can be tracked across runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("cycle not found")

// Step is one step-log entry as persisted.
type Step struct {
	ID      string    `json:"id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Cycle is one finished orchestration cycle.
type Cycle struct {
	ID         string
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time
	State      string
	// Warnings lists the soft-failure kinds the cycle ended with.
	Warnings []string
	Steps    []Step
}

// HasWarning reports whether kind is among the cycle's warnings.
func (c Cycle) HasWarning(kind string) bool {
	for _, w := range c.Warnings {
		if w == kind {
			return true
		}
	}
	return false
}

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id    TEXT NOT NULL UNIQUE,
	operation   TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	state       TEXT NOT NULL,
	warnings    TEXT NOT NULL,
	steps_zstd  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS cycles_started_at ON cycles(started_at);
`

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("history: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is a SQLite-backed cycle log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod history db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts c. Recording the same cycle ID twice is an error.
func (s *Store) Record(ctx context.Context, c Cycle) error {
	if c.ID == "" {
		return errors.New("record cycle: empty id")
	}
	steps, err := json.Marshal(c.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	warnings := c.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warn, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cycles(cycle_id, operation, started_at, finished_at, state, warnings, steps_zstd)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, c.ID, c.Operation, ts(c.StartedAt), ts(c.FinishedAt), c.State, string(warn), encoder.EncodeAll(steps, nil))
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// Get returns the cycle with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Cycle, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT cycle_id, operation, started_at, finished_at, state, warnings, steps_zstd
FROM cycles WHERE cycle_id = ?`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cycle{}, ErrNotFound
	}
	return c, err
}

// Recent returns up to limit cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT cycle_id, operation, started_at, finished_at, state, warnings, steps_zstd
FROM cycles ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WarningStreak counts how many of the most recent start cycles in a row
// ended with warning kind. Stop, restart and reset cycles are skipped.
func (s *Store) WarningStreak(ctx context.Context, operation, kind string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT warnings FROM cycles WHERE operation = ? ORDER BY seq DESC`, operation)
	if err != nil {
		return 0, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, err
		}
		var warnings []string
		if err := json.Unmarshal([]byte(raw), &warnings); err != nil {
			return 0, fmt.Errorf("decode warnings: %w", err)
		}
		if !(Cycle{Warnings: warnings}).HasWarning(kind) {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// Prune keeps the newest keep cycles and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM cycles WHERE seq NOT IN (SELECT seq FROM cycles ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (Cycle, error) {
	var (
		c                 Cycle
		started, finished string
		warn              string
		blob              []byte
	)
	if err := row.Scan(&c.ID, &c.Operation, &started, &finished, &c.State, &warn, &blob); err != nil {
		return Cycle{}, err
	}
	var err error
	if c.StartedAt, err = parseTS(started); err != nil {
		return Cycle{}, err
	}
	if c.FinishedAt, err = parseTS(finished); err != nil {
		return Cycle{}, err
	}
	if err := json.Unmarshal([]byte(warn), &c.Warnings); err != nil {
		return Cycle{}, fmt.Errorf("decode warnings: %w", err)
	}
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return Cycle{}, fmt.Errorf("decompress steps: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Steps); err != nil {
		return Cycle{}, fmt.Errorf("decode steps: %w", err)
	}
	return c, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
