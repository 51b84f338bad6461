package resume

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS resume_sessions (
  session_id    TEXT PRIMARY KEY,
  direction     TEXT NOT NULL CHECK(direction IN ('send','receive')),
  file_name     TEXT NOT NULL,
  file_size     INTEGER NOT NULL,
  total_chunks  INTEGER NOT NULL,
  chunk_size    INTEGER NOT NULL,
  file_hash     BLOB NOT NULL,
  bitmap        BLOB NOT NULL,
  nonce_counter INTEGER NOT NULL DEFAULT 0,
  generation    INTEGER NOT NULL DEFAULT 0,
  attempts      INTEGER NOT NULL DEFAULT 0,
  completed     INTEGER NOT NULL DEFAULT 0,
  created_at    INTEGER NOT NULL,
  updated_at    INTEGER NOT NULL,
  expires_at    INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_resume_sessions_updated
ON resume_sessions (completed, updated_at);
`,
}

// SQLiteStore is a Store backed by a SQLite database file. INSERT OR
// REPLACE on the primary key gives the atomic read-then-replace semantics
// the engine requires per session.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the store at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure resume store: %w", err)
	}
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply resume store migration %d: %w", i, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Debug("Resume store opened")

	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, st State) error {
	var expires interface{}
	if !st.ExpiresAt.IsZero() {
		expires = st.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO resume_sessions (
			session_id, direction, file_name, file_size, total_chunks,
			chunk_size, file_hash, bitmap, nonce_counter, generation,
			attempts, completed, created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.SessionID, st.Direction, st.FileName, int64(st.FileSize), st.TotalChunks,
		st.ChunkSize, st.FileHash, st.Bitmap, int64(st.NonceCounter), st.Generation,
		st.Attempts, boolToInt(st.Completed), st.CreatedAt.Unix(), st.UpdatedAt.Unix(), expires,
	)
	if err != nil {
		return fmt.Errorf("put resume state %q: %w", st.SessionID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (State, error) {
	var st State
	var fileSize, nonceCounter, createdAt, updatedAt int64
	var completed int
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, direction, file_name, file_size, total_chunks,
			chunk_size, file_hash, bitmap, nonce_counter, generation,
			attempts, completed, created_at, updated_at, expires_at
		FROM resume_sessions WHERE session_id = ?`, sessionID,
	).Scan(
		&st.SessionID, &st.Direction, &st.FileName, &fileSize, &st.TotalChunks,
		&st.ChunkSize, &st.FileHash, &st.Bitmap, &nonceCounter, &st.Generation,
		&st.Attempts, &completed, &createdAt, &updatedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return State{}, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	if err != nil {
		return State{}, fmt.Errorf("get resume state %q: %w", sessionID, err)
	}

	st.FileSize = uint64(fileSize)
	st.NonceCounter = uint64(nonceCounter)
	st.Completed = completed != 0
	st.CreatedAt = time.Unix(createdAt, 0)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	if expiresAt.Valid {
		st.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	return st, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM resume_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete resume state %q: %w", sessionID, err)
	}
	return nil
}

// ListActive implements Store, returning sessions not yet completed.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM resume_sessions WHERE completed = 0 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active resume sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resume session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
