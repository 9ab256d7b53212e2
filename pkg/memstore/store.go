package memstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Record is one remembered conversation fragment
type Record struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists conversation memory in SQLite. Appends land in a
// per-session write-behind buffer and are flushed to disk before
// compaction discards in-memory history, at retrieval, and at close.
type Store struct {
	db      *sql.DB
	pending map[string][]Record
	mu      sync.Mutex
}

// Open opens (and migrates) the memory database
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:      db,
		pending: make(map[string][]Record),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_records_turn ON records(turn_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append buffers a record for its session
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return errors.New("record session id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.pending[rec.SessionID] = append(s.pending[rec.SessionID], rec)
	s.mu.Unlock()
	return nil
}

// FlushPreCompaction persists the session's buffered records. Called
// before memory compaction so nothing in flight is lost.
func (s *Store) FlushPreCompaction(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	records := s.pending[sessionID]
	delete(s.pending, sessionID)
	s.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	return s.write(ctx, records)
}

func (s *Store) write(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO records (session_id, turn_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.SessionID, rec.TurnID, rec.Role, rec.Content, rec.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	return tx.Commit()
}

// RetrieveForSession returns the most recent records for a session in
// chronological order, flushing the write-behind buffer first
func (s *Store) RetrieveForSession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if err := s.FlushPreCompaction(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, role, content, created_at
		FROM records WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TurnID, &rec.Role, &rec.Content, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close flushes all buffered records and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	var all []Record
	for _, records := range s.pending {
		all = append(all, records...)
	}
	s.pending = make(map[string][]Record)
	s.mu.Unlock()

	if len(all) > 0 {
		if err := s.write(context.Background(), all); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}
