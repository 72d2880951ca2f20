package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/session"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

type Config struct {
	Interval time.Duration
	// Versions a session must advance before the next auto checkpoint.
	Threshold int
	// Auto checkpoints kept per session.
	KeepAuto int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 100,
		KeepAuto:  20,
	}
}

// Sessions is the part of the registry the service reads from.
type Sessions interface {
	Get(sessionID string) (*session.Session, error)
	Sessions() []*session.Session
}

// Service periodically exports session content into the store.
type Service struct {
	store    store.Store
	sessions Sessions
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
	// Last checkpointed version per session id. A session recreated after
	// eviction starts again at version 0, so the mark is tied to the
	// *session.Session it was taken from.
	marks map[string]mark
}

type mark struct {
	sess    *session.Session
	version int
}

func New(st store.Store, sessions Sessions, config Config, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		config:   config,
		logger:   logger,
		now:      time.Now,
		marks:    make(map[string]mark),
	}
}

// versionsSince is how far sess has advanced past its last checkpoint.
func (s *Service) versionsSince(sess *session.Session, version int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[sess.ID]
	if !ok || m.sess != sess {
		return version
	}
	return version - m.version
}

func (s *Service) setMark(sess *session.Session, version int) {
	s.mu.Lock()
	s.marks[sess.ID] = mark{sess: sess, version: version}
	s.mu.Unlock()
}

// forgetEvicted drops marks of sessions no longer held by the registry.
func (s *Service) forgetEvicted(live []*session.Session) {
	ids := make(map[string]bool, len(live))
	for _, sess := range live {
		ids[sess.ID] = true
	}
	s.mu.Lock()
	for id := range s.marks {
		if !ids[id] {
			delete(s.marks, id)
		}
	}
	s.mu.Unlock()
}

// Run checkpoints on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("🗂️ checkpoint service started",
		"interval", s.config.Interval, "threshold", s.config.Threshold)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("🗂️ checkpoint service stopped")
			return nil
		case <-ticker.C:
			s.checkpointAll(ctx)
		}
	}
}

func (s *Service) checkpointAll(ctx context.Context) int {
	created := 0
	live := s.sessions.Sessions()
	s.forgetEvicted(live)
	for _, sess := range live {
		ok, err := s.autoCheckpoint(ctx, sess)
		if err != nil {
			s.logger.Error("checkpoint failed", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		s.logger.Info("🗂️ checkpointed sessions", "count", created)
	}
	return created
}

// autoCheckpoint stores the session content once it has advanced far enough
// past the last checkpoint and the content actually changed.
func (s *Service) autoCheckpoint(ctx context.Context, sess *session.Session) (bool, error) {
	snap := sess.Snapshot()
	if s.versionsSince(sess, snap.Version) < s.config.Threshold {
		return false, nil
	}

	latest, err := s.store.LatestCheckpoint(ctx, sess.ID)
	if err != nil {
		return false, err
	}

	hash := store.HashContent(snap.Content)
	if latest != nil && latest.ContentHash == hash {
		return false, nil
	}

	cp, err := s.store.CreateCheckpoint(ctx, store.Checkpoint{
		SessionID:   sess.ID,
		Version:     snap.Version,
		Name:        fmt.Sprintf("Auto-save %s", s.now().Format("Jan 2, 3:04 PM")),
		Content:     snap.Content,
		ContentHash: hash,
		IsAuto:      true,
	})
	if err != nil {
		return false, err
	}
	s.setMark(sess, cp.Version)

	if err := s.store.DeleteOldAutoCheckpoints(ctx, sess.ID, s.config.KeepAuto); err != nil {
		s.logger.Warn("failed to prune auto checkpoints", "session_id", sess.ID, "error", err)
	}

	s.logger.Debug("auto checkpoint", "session_id", sess.ID, "version", cp.Version, "checkpoint_id", cp.ID)
	return true, nil
}

// CheckpointNow stores the current content of a session regardless of the
// threshold.
func (s *Service) CheckpointNow(ctx context.Context, sessionID, name, createdBy string) (*store.Checkpoint, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	snap := sess.Snapshot()
	if name == "" {
		name = fmt.Sprintf("Checkpoint %s", s.now().Format("Jan 2, 3:04 PM"))
	}

	cp, err := s.store.CreateCheckpoint(ctx, store.Checkpoint{
		SessionID:   sess.ID,
		Version:     snap.Version,
		Name:        name,
		Content:     snap.Content,
		ContentHash: store.HashContent(snap.Content),
		CreatedBy:   createdBy,
	})
	if err != nil {
		return nil, err
	}
	s.setMark(sess, cp.Version)
	return cp, nil
}
