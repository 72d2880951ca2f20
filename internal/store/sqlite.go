package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints(session_id, id DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Session catalog

func (s *SQLite) SaveSession(ctx context.Context, id, documentID string) error {
	if documentID == "" {
		documentID = id
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, document_id) VALUES (?, ?)",
		id, documentID,
	)
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, document_id, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	)

	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.DocumentID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) ListSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Checkpoints

const sqliteCheckpointColumns = "id, session_id, version, name, content, content_hash, created_by, is_auto, created_at"

func (s *SQLite) CreateCheckpoint(ctx context.Context, cp Checkpoint) (*Checkpoint, error) {
	// Ensure session exists
	if err := s.SaveSession(ctx, cp.SessionID, ""); err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, version, name, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cp.SessionID, cp.Version, cp.Name, cp.Content, cp.ContentHash, cp.CreatedBy, cp.IsAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", cp.SessionID,
	); err != nil {
		return nil, err
	}

	return s.GetCheckpoint(ctx, id)
}

func (s *SQLite) GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteCheckpointColumns+" FROM checkpoints WHERE id = ?", id)
	return scanSQLiteCheckpoint(row)
}

func (s *SQLite) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteCheckpointColumns+" FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT 1",
		sessionID)
	return scanSQLiteCheckpoint(row)
}

func scanSQLiteCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Version, &cp.Name, &cp.Content,
		&cp.ContentHash, &cp.CreatedBy, &cp.IsAuto, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLite) ListCheckpoints(ctx context.Context, sessionID string, limit, offset int) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, version, name, content_hash, created_by, is_auto, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Version, &cp.Name,
			&cp.ContentHash, &cp.CreatedBy, &cp.IsAuto, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLite) CountCheckpoints(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoints WHERE session_id = ?", sessionID,
	).Scan(&count)
	return count, err
}

func (s *SQLite) DeleteCheckpoint(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

func (s *SQLite) DeleteOldAutoCheckpoints(ctx context.Context, sessionID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE session_id = ? AND is_auto = TRUE
			ORDER BY id DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keep)
	return err
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&st.SessionCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&st.CheckpointCount); err != nil {
		return Stats{}, err
	}
	return st, nil
}
