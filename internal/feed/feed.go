// Package feed forwards committed operations to sinks outside the process.
package feed

import (
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

// Message is what a feed subscriber receives for each committed operation.
type Message struct {
	SessionID string             `json:"sessionId"`
	Version   int                `json:"version"`
	Operation protocol.Operation `json:"operation"`
}

func messageFor(b session.Broadcast) Message {
	return Message{
		SessionID: b.SessionID,
		Version:   b.Version,
		Operation: protocol.FromOT(b.Operation),
	}
}

// Fanout publishes every broadcast to each of its broadcasters in order.
type Fanout []session.Broadcaster

func (f Fanout) Publish(b session.Broadcast) {
	for _, sink := range f {
		sink.Publish(b)
	}
}
