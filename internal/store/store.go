// Package store keeps the session catalog and content checkpoints.
// Lookups of missing rows return nil, nil.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type SessionRecord struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is a read-only copy of a session's content at one version.
type Checkpoint struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	IsAuto      bool      `json:"is_auto"`
	CreatedAt   time.Time `json:"created_at"`
}

type Stats struct {
	SessionCount    int `json:"session_count"`
	CheckpointCount int `json:"checkpoint_count"`
}

type Store interface {
	// SaveSession records a session. Saving a known id is a no-op.
	SaveSession(ctx context.Context, id, documentID string) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error)

	// CreateCheckpoint stores cp and returns it with ID and CreatedAt set.
	CreateCheckpoint(ctx context.Context, cp Checkpoint) (*Checkpoint, error)
	GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error)
	// ListCheckpoints returns checkpoints newest first, without content.
	ListCheckpoints(ctx context.Context, sessionID string, limit, offset int) ([]Checkpoint, error)
	CountCheckpoints(ctx context.Context, sessionID string) (int, error)
	LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id int64) error
	// DeleteOldAutoCheckpoints keeps the newest keep auto checkpoints of a session.
	DeleteOldAutoCheckpoints(ctx context.Context, sessionID string, keep int) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the store selected by driver. For sqlite dsn is a file
// path; for postgres it is a connection URL.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// HashContent is the short content fingerprint stored with checkpoints.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}
