package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNoProfile indicates no profile has been recorded for the method.
var ErrNoProfile = errors.New("no profile recorded")

// Store persists recorded method profiles in SQLite so that branch and
// exception statistics survive across runs of the compiler host.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (and if needed initializes) a profile database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS branches (
			method TEXT NOT NULL,
			offset INTEGER NOT NULL,
			taken REAL NOT NULL,
			PRIMARY KEY (method, offset)
		)`,
		`CREATE TABLE IF NOT EXISTS exceptions (
			method TEXT NOT NULL,
			offset INTEGER NOT NULL,
			seen INTEGER NOT NULL,
			PRIMARY KEY (method, offset)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating profile tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordBranch stores the taken probability for a branch offset.
func (s *Store) RecordBranch(method string, offset int, taken float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO branches (method, offset, taken) VALUES (?, ?, ?)
		 ON CONFLICT (method, offset) DO UPDATE SET taken = excluded.taken`,
		method, offset, taken)
	if err != nil {
		return fmt.Errorf("recording branch profile: %w", err)
	}
	return nil
}

// RecordException stores whether an exception was observed at an offset.
func (s *Store) RecordException(method string, offset int, seen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO exceptions (method, offset, seen) VALUES (?, ?, ?)
		 ON CONFLICT (method, offset) DO UPDATE SET seen = excluded.seen`,
		method, offset, seen)
	if err != nil {
		return fmt.Errorf("recording exception profile: %w", err)
	}
	return nil
}

// Load materializes the stored profile for a method as a Flat provider.
// Returns ErrNoProfile when nothing has been recorded.
func (s *Store) Load(method string) (*Flat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flat := &Flat{
		Branches:   make(map[int]float64),
		Exceptions: make(map[int]bool),
	}

	rows, err := s.db.Query(`SELECT offset, taken FROM branches WHERE method = ?`, method)
	if err != nil {
		return nil, fmt.Errorf("loading branch profile: %w", err)
	}
	for rows.Next() {
		var offset int
		var taken float64
		if err := rows.Scan(&offset, &taken); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning branch profile: %w", err)
		}
		flat.Branches[offset] = taken
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("loading branch profile: %w", err)
	}

	rows, err = s.db.Query(`SELECT offset, seen FROM exceptions WHERE method = ?`, method)
	if err != nil {
		return nil, fmt.Errorf("loading exception profile: %w", err)
	}
	for rows.Next() {
		var offset int
		var seen bool
		if err := rows.Scan(&offset, &seen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning exception profile: %w", err)
		}
		flat.Exceptions[offset] = seen
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("loading exception profile: %w", err)
	}

	if len(flat.Branches) == 0 && len(flat.Exceptions) == 0 {
		return nil, ErrNoProfile
	}
	return flat, nil
}
