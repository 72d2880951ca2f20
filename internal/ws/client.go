package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	// Disconnect after this many rejected messages in a row.
	maxRateLimitWarnings = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection of one user in one session.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	sessionID   string
	userID      string
	displayName string
	clientID    string
	limiters    *ratelimit.ClientLimiters
	logger      *slog.Logger
}

// ServeWs upgrades the request and attaches the connection to a session.
// Query parameters: session (default "default"), document, user, name.
func ServeWs(hub *Hub, limiters *ratelimit.ClientLimiters, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" {
		sessionID = "default"
	}
	userID := q.Get("user")
	if userID == "" {
		userID = uuid.NewString()
	}

	if _, _, err := hub.registry.Open(sessionID, q.Get("document")); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrConflict) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		sessionID:   sessionID,
		userID:      userID,
		displayName: q.Get("name"),
		clientID:    clientID,
		limiters:    limiters,
		logger:      hub.logger.With("session_id", sessionID, "user_id", userID, "client_id", clientID),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.limiters.Remove(c.clientID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if !c.limiters.Allow(c.clientID) {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
				c.replyError(protocol.ErrRateLimited)
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.logger.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}
		rateLimitWarnings = 0

		c.handle(message)
	}
}

func (c *Client) handle(message []byte) {
	env, err := protocol.Decode(message)
	if err != nil {
		c.replyError(err)
		return
	}

	switch env.Type {
	case protocol.MessageOp:
		// The connection is authenticated as userID; the payload cannot
		// claim another author.
		env.Operation.AuthorID = c.userID
		op, err := env.Operation.ToOT()
		if err != nil {
			c.replyError(err)
			return
		}
		// The ack is delivered by the hub in commit order.
		if _, err := c.hub.registry.SubmitOperation(c.sessionID, op); err != nil {
			c.replyError(err)
		}

	case protocol.MessageCursor:
		if err := c.hub.registry.UpdateCursor(c.sessionID, c.userID, env.Cursor); err != nil {
			c.replyError(err)
		}
	}
}

func (c *Client) replyError(err error) {
	data, encErr := protocol.Encode(protocol.ErrorMessage(err))
	if encErr != nil {
		c.logger.Error("encode error message", "error", encErr)
		return
	}
	c.hub.reply(c, data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
