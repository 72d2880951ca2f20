// Package session sequences concurrent edits into one total order per
// document and keeps the process-wide registry of sessions.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/document"
	"github.com/manpreetbhatti/lattice-collab/internal/ot"
)

var (
	// ErrNotFound is returned for unknown sessions and users.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for empty session or user ids.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when an existing session is opened for a
	// different document.
	ErrConflict = errors.New("conflict")
)

func isNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func isOutOfRange(err error) bool { return errors.Is(err, ot.ErrOutOfRange) }

// User is a participant of a session. CursorPosition is for display only.
type User struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	CursorPosition int       `json:"cursor"`
	JoinedAt       time.Time `json:"joined_at"`
}

// State is what a joining client needs to start editing.
type State struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Version    int    `json:"version"`
	Users      []User `json:"users"`
}

// Result is the canonical form of an accepted operation. The author uses it
// to correct its local prediction.
type Result struct {
	Operation ot.Operation
	Version   int
}

// Session owns one document and its users. All mutation goes through mu, so
// two submissions never interleave their rebase/apply/broadcast steps.
type Session struct {
	ID         string
	DocumentID string
	CreatedAt  time.Time

	mu          sync.Mutex
	doc         *document.Document
	users       map[string]*User
	lastActive  time.Time
	evicted     bool
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

func newSession(id, documentID string, b Broadcaster, logger *slog.Logger, now func() time.Time) *Session {
	created := now()
	return &Session{
		ID:          id,
		DocumentID:  documentID,
		CreatedAt:   created,
		doc:         document.New(documentID),
		users:       make(map[string]*User),
		lastActive:  created,
		broadcaster: b,
		logger:      logger.With("session_id", id),
		now:         now,
	}
}

// Join adds a user, or refreshes the display name of one already present.
func (s *Session) Join(userID, displayName string) (State, error) {
	if userID == "" {
		return State{}, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.liveLocked(); err != nil {
		return State{}, err
	}
	s.lastActive = s.now()
	if u, ok := s.users[userID]; ok {
		u.DisplayName = displayName
		return s.stateLocked(), nil
	}

	s.users[userID] = &User{ID: userID, DisplayName: displayName, JoinedAt: s.lastActive}
	usersConnected.Inc()
	s.logger.Info("user joined", "user_id", userID, "users", len(s.users))
	return s.stateLocked(), nil
}

// Leave removes a user. The document and its log are untouched.
func (s *Session) Leave(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %q in session %q: %w", userID, s.ID, ErrNotFound)
	}
	delete(s.users, userID)
	s.lastActive = s.now()
	usersConnected.Dec()
	s.logger.Info("user left", "user_id", userID, "users", len(s.users))
	return nil
}

// UpdateCursor records a user's cursor, clamped to the current content.
func (s *Session) UpdateCursor(userID string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q in session %q: %w", userID, s.ID, ErrNotFound)
	}
	u.CursorPosition = min(max(position, 0), s.doc.Len())
	return nil
}

// Submit sequences op. Every operation committed after op.BaseVersion is
// folded into it in log order, the result is applied, and the broadcaster
// is handed the canonical operation for every user except the author.
func (s *Session) Submit(op ot.Operation) (Result, error) {
	res, distance, err := s.submit(op)
	operationsTotal.WithLabelValues(op.Kind.String(), resultLabel(err)).Inc()
	if err != nil {
		s.logger.Debug("operation rejected", "author", op.AuthorID, "op", op.String(), "error", err)
		return Result{}, err
	}
	rebaseDistance.Observe(float64(distance))
	return res, nil
}

func (s *Session) submit(op ot.Operation) (Result, int, error) {
	if err := op.Validate(); err != nil {
		return Result{}, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.liveLocked(); err != nil {
		return Result{}, 0, err
	}
	if _, ok := s.users[op.AuthorID]; !ok {
		return Result{}, 0, fmt.Errorf("author %q in session %q: %w", op.AuthorID, s.ID, ErrNotFound)
	}

	current := s.doc.Version()
	missed, err := s.doc.OpsSince(op.BaseVersion)
	if err != nil {
		return Result{}, 0, fmt.Errorf("base version: %w", err)
	}

	resolved := ot.Rebase(op, missed)
	resolved.BaseVersion = current
	if resolved.Position < 0 {
		// Only reachable when shifting a huge position wrapped around.
		return Result{}, 0, fmt.Errorf("%w: position %d does not fit version %d", ot.ErrOutOfRange, op.Position, current)
	}

	version, err := s.doc.Apply(resolved)
	if err != nil {
		return Result{}, 0, err
	}
	s.lastActive = s.now()

	s.broadcaster.Publish(Broadcast{
		SessionID:  s.ID,
		Operation:  resolved,
		Version:    version,
		Recipients: s.recipientsLocked(op.AuthorID),
	})
	s.logger.Debug("operation committed", "author", op.AuthorID, "base", op.BaseVersion, "version", version)
	return Result{Operation: resolved, Version: version}, len(missed), nil
}

// State returns the content, version and users.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Snapshot returns the current content and version.
func (s *Session) Snapshot() document.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// Operations returns the committed operations after version since.
func (s *Session) Operations(since int) ([]ot.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.OpsSince(since)
}

// UserCount is the number of joined users.
func (s *Session) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// evictIfIdle marks the session evicted when it has no users and no
// activity since cutoff. The check and the mark happen under one lock, so a
// concurrent Join either lands first and keeps the session alive or sees
// ErrNotFound.
func (s *Session) evictIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) > 0 || !s.lastActive.Before(cutoff) {
		return false
	}
	s.evicted = true
	return true
}

func (s *Session) liveLocked() error {
	if s.evicted {
		return fmt.Errorf("session %q evicted: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (s *Session) stateLocked() State {
	snap := s.doc.Snapshot()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return State{
		SessionID:  s.ID,
		DocumentID: s.DocumentID,
		Content:    snap.Content,
		Version:    snap.Version,
		Users:      users,
	}
}

func (s *Session) recipientsLocked(author string) []string {
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		if id != author {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
