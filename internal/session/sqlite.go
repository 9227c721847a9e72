package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the session database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps the pragmas below in effect and serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("session store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			message_count INTEGER NOT NULL,
			revision TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated
			ON sessions(updated_at DESC);
	`)
	return err
}

// Load returns the stored session, or nil when id is unknown.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, error) {
	var (
		blob                 []byte
		rec                  = Record{ID: id}
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, message_count, revision, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&blob, &rec.MessageCount, &rec.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", id, err)
	}

	rec.State, err = decodeState(blob)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", id, err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// Save replaces the stored state of id.
func (s *SQLiteStore) Save(ctx context.Context, id string, state State) error {
	blob, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}
	revision, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate revision: %w", err)
	}
	now := time.Now().UTC().Format(timeFormat)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, message_count, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			message_count = excluded.message_count,
			revision = excluded.revision,
			updated_at = excluded.updated_at
	`, id, blob, len(state.Messages), revision.String(), now, now)
	if err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}

	s.logger.Debug("session saved", "session", id, "messages", len(state.Messages), "bytes", len(blob))
	return nil
}

// List returns up to limit sessions, most recently updated first. A
// non-positive limit returns all of them.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_count, revision, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.MessageCount, &sum.Revision, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeFormat has a fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func parseTime(v string) time.Time {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
