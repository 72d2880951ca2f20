package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

// Sessions is the part of the session registry the hub drives.
type Sessions interface {
	Open(sessionID, documentID string) (*session.Session, bool, error)
	JoinSession(sessionID, userID, displayName string) (session.State, error)
	LeaveSession(sessionID, userID string) error
	SubmitOperation(sessionID string, op ot.Operation) (session.Result, error)
	UpdateCursor(sessionID, userID string, position int) error
}

const broadcastQueueSize = 4096

// Hub keeps the connected clients per session and delivers committed
// operations to them. It implements session.Broadcaster.
type Hub struct {
	// Registered clients by session
	sessions map[string]map[*Client]bool

	// Committed operations waiting for delivery
	broadcast chan session.Broadcast

	// Join requests from new connections
	register chan *Client

	// Disconnects
	unregister chan *Client

	// Replies addressed to a single client
	direct chan *directMessage

	// Closed when Run returns
	done chan struct{}

	registry Sessions
	logger   *slog.Logger
	mu       sync.RWMutex
}

type directMessage struct {
	client *Client
	data   []byte
}

func NewHub(registry Sessions, logger *slog.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		broadcast:  make(chan session.Broadcast, broadcastQueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan *directMessage, 256),
		done:       make(chan struct{}),
		registry:   registry,
		logger:     logger,
	}
}

// Publish queues b for delivery. It never blocks the sequencer; when the
// queue is full the broadcast is dropped and the affected clients see a
// version gap on their next message.
func (h *Hub) Publish(b session.Broadcast) {
	select {
	case h.broadcast <- b:
	default:
		h.logger.Error("broadcast queue full, dropping operation",
			"session_id", b.SessionID, "version", b.Version)
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.register:
			h.join(client)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case msg := <-h.direct:
			h.mu.Lock()
			if h.sessions[msg.client.sessionID][msg.client] {
				h.sendLocked(msg.client, msg.data)
			}
			h.mu.Unlock()

		case b := <-h.broadcast:
			h.deliver(b)
		}
	}
}

// join runs inside the hub loop so the state message is queued before any
// broadcast committed after the join.
func (h *Hub) join(c *Client) {
	state, err := h.registry.JoinSession(c.sessionID, c.userID, c.displayName)
	if err != nil {
		h.logger.Warn("join failed", "session_id", c.sessionID, "user_id", c.userID, "error", err)
		if data, encErr := protocol.Encode(protocol.ErrorMessage(err)); encErr == nil {
			c.send <- data
		}
		close(c.send)
		return
	}

	data, err := protocol.Encode(protocol.StateMessage(state))
	if err != nil {
		h.logger.Error("encode state", "error", err)
		close(c.send)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[c.sessionID]
	if !ok {
		clients = make(map[*Client]bool)
		h.sessions[c.sessionID] = clients
	}
	// One connection per user: a reconnect replaces the old socket.
	for other := range clients {
		if other.userID == c.userID {
			delete(clients, other)
			close(other.send)
		}
	}
	clients[c] = true
	c.send <- data

	h.logger.Info("client joined", "session_id", c.sessionID, "user_id", c.userID, "clients", len(clients))
}

func (h *Hub) deliver(b session.Broadcast) {
	remote, err := protocol.Encode(protocol.Remote(b))
	if err != nil {
		h.logger.Error("encode broadcast", "error", err)
		return
	}
	ack, err := protocol.Encode(protocol.Ack(session.Result{Operation: b.Operation, Version: b.Version}))
	if err != nil {
		h.logger.Error("encode ack", "error", err)
		return
	}

	recipients := make(map[string]bool, len(b.Recipients))
	for _, id := range b.Recipients {
		recipients[id] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.sessions[b.SessionID] {
		switch {
		case client.userID == b.Operation.AuthorID:
			h.sendLocked(client, ack)
		case recipients[client.userID]:
			h.sendLocked(client, remote)
		}
	}
}

// sendLocked drops clients that cannot keep up.
func (h *Hub) sendLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client too slow, disconnecting", "session_id", c.sessionID, "user_id", c.userID)
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.sessions[c.sessionID]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)

	if err := h.registry.LeaveSession(c.sessionID, c.userID); err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.Warn("leave failed", "session_id", c.sessionID, "user_id", c.userID, "error", err)
	}

	if len(clients) == 0 {
		delete(h.sessions, c.sessionID)
		h.logger.Info("session has no connected clients", "session_id", c.sessionID)
	} else {
		h.logger.Info("client left", "session_id", c.sessionID, "user_id", c.userID, "remaining", len(clients))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.sessions {
		for c := range clients {
			h.removeLocked(c)
		}
	}
}

// reply queues data for a single client if it is still connected.
func (h *Hub) reply(c *Client, data []byte) {
	select {
	case h.direct <- &directMessage{client: c, data: data}:
	default:
		h.logger.Warn("reply queue full", "session_id", c.sessionID, "user_id", c.userID)
	}
}

// GetSessionCount returns the number of sessions with connected clients.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.sessions {
		total += len(clients)
	}
	return total
}

// GetActiveSessions maps session id to connected client count.
func (h *Hub) GetActiveSessions() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.sessions))
	for id, clients := range h.sessions {
		out[id] = len(clients)
	}
	return out
}
