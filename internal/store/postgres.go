package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	name TEXT NOT NULL,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	is_auto BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints(session_id, id DESC);
`

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Session catalog

func (p *Postgres) SaveSession(ctx context.Context, id, documentID string) error {
	if documentID == "" {
		documentID = id
	}
	_, err := p.pool.Exec(ctx,
		"INSERT INTO sessions (id, document_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		id, documentID,
	)
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := p.pool.QueryRow(ctx,
		"SELECT id, document_id, created_at, updated_at FROM sessions WHERE id = $1", id,
	).Scan(&rec.ID, &rec.DocumentID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) ListSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, document_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id ASC LIMIT $1 OFFSET $2",
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

const pgCheckpointColumns = "id, session_id, version, name, content, content_hash, created_by, is_auto, created_at"

// CreateCheckpoint inserts the checkpoint and bumps the session in one
// transaction.
func (p *Postgres) CreateCheckpoint(ctx context.Context, cp Checkpoint) (*Checkpoint, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO sessions (id, document_id) VALUES ($1, $1) ON CONFLICT (id) DO UPDATE SET updated_at = now()",
		cp.SessionID,
	); err != nil {
		return nil, err
	}

	out := cp
	err = tx.QueryRow(ctx, `
		INSERT INTO checkpoints (session_id, version, name, content, content_hash, created_by, is_auto)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, cp.SessionID, cp.Version, cp.Name, cp.Content, cp.ContentHash, cp.CreatedBy, cp.IsAuto,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+pgCheckpointColumns+" FROM checkpoints WHERE id = $1", id)
	return scanPgCheckpoint(row)
}

func (p *Postgres) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+pgCheckpointColumns+" FROM checkpoints WHERE session_id = $1 ORDER BY id DESC LIMIT 1",
		sessionID)
	return scanPgCheckpoint(row)
}

func scanPgCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Version, &cp.Name, &cp.Content,
		&cp.ContentHash, &cp.CreatedBy, &cp.IsAuto, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *Postgres) ListCheckpoints(ctx context.Context, sessionID string, limit, offset int) ([]Checkpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, version, name, content_hash, created_by, is_auto, created_at
		FROM checkpoints
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
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

func (p *Postgres) CountCheckpoints(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM checkpoints WHERE session_id = $1", sessionID,
	).Scan(&count)
	return count, err
}

func (p *Postgres) DeleteCheckpoint(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM checkpoints WHERE id = $1", id)
	return err
}

func (p *Postgres) DeleteOldAutoCheckpoints(ctx context.Context, sessionID string, keep int) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = $1 AND is_auto AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE session_id = $1 AND is_auto
			ORDER BY id DESC
			LIMIT $2
		)
	`, sessionID, keep)
	return err
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := p.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM sessions), (SELECT COUNT(*) FROM checkpoints)",
	).Scan(&st.SessionCount, &st.CheckpointCount)
	return st, err
}
