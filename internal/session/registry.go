package session

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
)

// Summary describes a session for listings.
type Summary struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Version    int       `json:"version"`
	Users      int       `json:"users"`
	CreatedAt  time.Time `json:"created_at"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithBroadcaster sets where committed operations are published.
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Registry) { r.broadcaster = b }
}

// WithLogger sets the registry and session logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnCreate registers a callback run once for each newly created session,
// outside the registry lock.
func OnCreate(fn func(*Session)) Option {
	return func(r *Registry) { r.onCreate = append(r.onCreate, fn) }
}

// Registry holds every session of the process, keyed by session id.
// Sessions are created on first reference and live until evicted.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
	onCreate    []func(*Session)
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		broadcaster: nopBroadcaster{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session with the given id, creating it with an
// empty document when absent. An empty documentID defaults to the session id.
// The documentID of an existing session is never changed.
func (r *Registry) GetOrCreate(sessionID, documentID string) (*Session, error) {
	s, _, err := r.getOrCreate(sessionID, documentID)
	return s, err
}

// Open is GetOrCreate that also reports whether the session was created.
// Naming a documentID other than the one an existing session edits is
// ErrConflict.
func (r *Registry) Open(sessionID, documentID string) (*Session, bool, error) {
	s, created, err := r.getOrCreate(sessionID, documentID)
	if err != nil {
		return nil, false, err
	}
	if !created && documentID != "" && documentID != s.DocumentID {
		return s, false, fmt.Errorf("session %q edits document %q, not %q: %w",
			sessionID, s.DocumentID, documentID, ErrConflict)
	}
	return s, created, nil
}

func (r *Registry) getOrCreate(sessionID, documentID string) (*Session, bool, error) {
	if sessionID == "" {
		return nil, false, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	if documentID == "" {
		documentID = sessionID
	}

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return s, false, nil
	}

	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	s = newSession(sessionID, documentID, r.broadcaster, r.logger, r.now)
	r.sessions[sessionID] = s
	r.mu.Unlock()

	sessionsActive.Inc()
	r.logger.Info("session created", "session_id", sessionID, "document_id", documentID)
	for _, fn := range r.onCreate {
		fn(s)
	}
	return s, true, nil
}

// Get returns an existing session.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// Sessions returns every session, ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// List summarises every session.
func (r *Registry) List() []Summary {
	sessions := r.Sessions()
	out := make([]Summary, len(sessions))
	for i, s := range sessions {
		snap := s.Snapshot()
		out[i] = Summary{
			ID:         s.ID,
			DocumentID: s.DocumentID,
			Version:    snap.Version,
			Users:      s.UserCount(),
			CreatedAt:  s.CreatedAt,
		}
	}
	return out
}

// Len is the number of sessions held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle drops sessions that have no users and no activity for ttl, and
// returns their ids.
func (r *Registry) EvictIdle(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var evicted []string
	for id, s := range r.sessions {
		if s.evictIfIdle(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		sessionsActive.Dec()
		r.logger.Info("session evicted", "session_id", id, "idle_ttl", ttl)
	}
	return evicted
}

// CreateSession is GetOrCreate for the transport layer.
func (r *Registry) CreateSession(sessionID, documentID string) (*Session, error) {
	return r.GetOrCreate(sessionID, documentID)
}

// JoinSession adds a user to an existing session.
func (r *Registry) JoinSession(sessionID, userID, displayName string) (State, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return State{}, err
	}
	return s.Join(userID, displayName)
}

// LeaveSession removes a user from an existing session.
func (r *Registry) LeaveSession(sessionID, userID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Leave(userID)
}

// SubmitOperation sequences op in an existing session.
func (r *Registry) SubmitOperation(sessionID string, op ot.Operation) (Result, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	return s.Submit(op)
}

// GetState returns the state of an existing session.
func (r *Registry) GetState(sessionID string) (State, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return State{}, err
	}
	return s.State(), nil
}

// UpdateCursor records a user's cursor in an existing session.
func (r *Registry) UpdateCursor(sessionID, userID string, position int) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.UpdateCursor(userID, position)
}

// Operations returns the log of an existing session after version since.
func (r *Registry) Operations(sessionID string, since int) ([]ot.Operation, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Operations(since)
}
