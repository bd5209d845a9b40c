// Package metrics persists training telemetry: scalar time series in
// a SQL store, aggregate statistics as JSON files, and rendered
// frames as PNGs. Only rank 0 writes; other ranks hold a no-op sink.
package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sink receives scalar telemetry keyed by "<namespace>/<name>".
type Sink interface {
	LogScalar(step int, name string, value float64)
	Flush() error
	Close() error
}

// Nop discards everything; non-zero ranks use it.
type Nop struct{}

func (Nop) LogScalar(int, string, float64) {}
func (Nop) Flush() error                   { return nil }
func (Nop) Close() error                   { return nil }

type scalarRow struct {
	step  int
	name  string
	value float64
}

// Store is a SQL-backed sink. One row in runs per training run, one
// row in scalars per logged value. Writes are buffered and flushed in
// a single transaction.
type Store struct {
	db      *sql.DB
	runID   string
	backend string
	buf     []scalarRow
}

// OpenSQLite opens (or creates) a run store at dbPath.
func OpenSQLite(dbPath string, configJSON []byte) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("metrics: create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("metrics: open database: %w", err)
	}
	return newStore(db, "sqlite", configJSON)
}

// OpenPostgres opens a run store on a shared Postgres instance, for
// multi-host experiment tracking.
func OpenPostgres(dsn string, configJSON []byte) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metrics: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: ping database: %w", err)
	}
	return newStore(db, "postgres", configJSON)
}

func newStore(db *sql.DB, backend string, configJSON []byte) (*Store, error) {
	s := &Store{db: db, runID: uuid.New().String(), backend: backend}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	_, err := db.Exec(s.rebind(`INSERT INTO runs (id, started_at, config) VALUES (?, ?, ?)`),
		s.runID, time.Now().UTC().Format(time.RFC3339), string(configJSON))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: register run: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			config TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scalars (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scalars_run_name ON scalars (run_id, name, step)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("metrics: init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *Store) rebind(q string) string {
	if s.backend != "postgres" {
		return q
	}
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

// RunID returns the UUID assigned to this run.
func (s *Store) RunID() string { return s.runID }

// LogScalar buffers one scalar sample.
func (s *Store) LogScalar(step int, name string, value float64) {
	s.buf = append(s.buf, scalarRow{step: step, name: name, value: value})
}

// Flush writes all buffered samples in one transaction.
func (s *Store) Flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("metrics: begin flush: %w", err)
	}
	stmt, err := tx.Prepare(s.rebind(`INSERT INTO scalars (run_id, step, name, value) VALUES (?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("metrics: prepare flush: %w", err)
	}
	for _, r := range s.buf {
		if _, err := stmt.Exec(s.runID, r.step, r.name, r.value); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("metrics: insert scalar %s: %w", r.name, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metrics: commit flush: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// WriteJSON writes an aggregate stats document next to the run
// artifacts, one file per evaluation round.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics: create stats directory: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metrics: encode stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("metrics: write stats: %w", err)
	}
	return nil
}
