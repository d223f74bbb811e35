// Package store stages raw credential records in SQLite.
//
// The `users` table is the relational record source the load stage can read
// from; records parsed from dump files can be imported into it once and
// re-read on every run.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/abelbrown/blockgraph/internal/model"
)

// DefaultBatchSize is the number of rows Iterate hands over per call.
const DefaultBatchSize = 10000

// Store handles SQLite persistence. NOT an interface - concrete type.
// All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the database at dbPath and ensures the schema.
// ":memory:" opens a private in-memory database.
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared"
	} else if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		username TEXT,
		email TEXT,
		password TEXT,
		hint TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveRecords appends records in one transaction and returns how many were
// inserted.
func (s *Store) SaveRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (account_id, username, email, password, hint)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx, r.AccountID, r.Username, r.Email, r.Password, r.Hint); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

// Count returns the number of staged records.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ErrStop ends Iterate early without an error.
var ErrStop = errors.New("store: stop iteration")

// Iterate calls fn with consecutive batches of records in insertion order.
// Each batch is read with its own query so fn may run for a long time
// without holding the database. Returning ErrStop from fn ends the scan.
func (s *Store) Iterate(ctx context.Context, batchSize int, fn func([]model.Record) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var after int64
	for {
		batch, last, err := s.page(ctx, after, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = last
	}
}

func (s *Store) page(ctx context.Context, after int64, limit int) ([]model.Record, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, username, email, password, hint
		FROM users
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	last := after
	for rows.Next() {
		var r model.Record
		var username, email, password, hint sql.NullString
		if err := rows.Scan(&last, &r.AccountID, &username, &email, &password, &hint); err != nil {
			return nil, 0, err
		}
		r.Username, r.Email, r.Password, r.Hint = username.String, email.String, password.String, hint.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, last, nil
}
