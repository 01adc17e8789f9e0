// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides transcript and settings persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != memoryPath {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == memoryPath {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			id            TEXT PRIMARY KEY,
			model         TEXT NOT NULL,
			prompt        TEXT NOT NULL,
			request_json  TEXT NOT NULL,
			reply         TEXT NOT NULL,
			finish_reason TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transcripts_model ON transcripts(model);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveTranscript inserts a transcript. CreatedAt defaults to now.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	request := string(t.Request)
	if request == "" {
		request = "[]"
	}

	query := `
		INSERT INTO transcripts (id, model, prompt, request_json, reply, finish_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Model,
		t.Prompt,
		request,
		t.Reply,
		t.FinishReason,
		t.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting transcript: %w", err)
	}

	s.logger.Debug("saved transcript", "id", t.ID, "model", t.Model, "reply_len", len(t.Reply))
	return nil
}

// GetTranscript retrieves a transcript by ID.
// Returns ErrNotFound if the transcript doesn't exist.
func (s *SQLiteStore) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	query := `
		SELECT id, model, prompt, request_json, reply, finish_reason, created_at
		FROM transcripts
		WHERE id = ?
	`

	var t Transcript
	var request, createdAtStr string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Model,
		&t.Prompt,
		&request,
		&t.Reply,
		&t.FinishReason,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}

	t.Request = []byte(request)
	t.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// ListTranscripts returns transcript summaries, newest first.
// If limit is 0 or negative, all transcripts are returned.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, limit int) ([]*TranscriptSummary, error) {
	query := `
		SELECT id, model, prompt, finish_reason, length(reply), created_at
		FROM transcripts
		ORDER BY created_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []*TranscriptSummary
	for rows.Next() {
		var ts TranscriptSummary
		var createdAtStr string
		if err := rows.Scan(&ts.ID, &ts.Model, &ts.Prompt, &ts.FinishReason, &ts.ReplyLength, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		ts.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing transcript created_at: %w", err)
		}
		out = append(out, &ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcript rows: %w", err)
	}
	return out, nil
}

// SetSetting saves or updates a setting.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	s.logger.Debug("saved setting", "key", key)
	return nil
}

// GetSetting retrieves a setting.
// Returns ErrNotFound if the key has never been set.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}
