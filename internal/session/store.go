// Package session persists the durable identity of the agent
// conversation and replays its transcript to newly joined clients.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is the durable session identity. SessionID is assigned by the
// agent process on the first turn; TranscriptPath points at the JSONL
// transcript the agent maintains.
type Record struct {
	SessionID      string
	TranscriptPath string
	UpdatedAt      time.Time
}

// Store keeps the session record in a small sqlite database so a
// restarted process resumes the same logical conversation.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the session database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		session_id TEXT NOT NULL,
		transcript_path TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// Load returns the stored record, or a zero record when none has been
// saved yet.
func (s *Store) Load() (Record, error) {
	var rec Record
	row := s.db.QueryRow(`SELECT session_id, transcript_path, updated_at FROM session WHERE id = 1`)
	err := row.Scan(&rec.SessionID, &rec.TranscriptPath, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load session record: %w", err)
	}
	return rec, nil
}

// Save upserts the session record. Called on every turn boundary so a
// crash between turns loses nothing.
func (s *Store) Save(rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO session (id, session_id, transcript_path, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			transcript_path = excluded.transcript_path,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.TranscriptPath, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

// Reset deletes the stored record. The next agent start begins a fresh
// conversation. Sessions are never reset automatically.
func (s *Store) Reset() error {
	_, err := s.db.Exec(`DELETE FROM session WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to reset session record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
