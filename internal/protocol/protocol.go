// Package protocol defines the JSON records exchanged with editors over
// websockets and the REST API.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

// MessageType identifies a websocket envelope.
type MessageType string

const (
	// Client to server: submit an operation
	MessageOp MessageType = "op"

	// Client to server: move the cursor
	MessageCursor MessageType = "cursor"

	// Server to client: full state after joining
	MessageState MessageType = "state"

	// Server to author: canonical form of its own operation
	MessageAck MessageType = "ack"

	// Server to other users: an operation committed by someone else
	MessageRemote MessageType = "remote"

	// Server to client: a rejected message
	MessageError MessageType = "error"
)

// Operation is the wire form of ot.Operation.
type Operation struct {
	Kind        string `json:"kind"`
	Position    int    `json:"position"`
	Payload     string `json:"payload"`
	AuthorID    string `json:"authorId"`
	BaseVersion int    `json:"baseVersion"`
}

// Envelope is one websocket message. Only the fields relevant to Type are set.
type Envelope struct {
	Type      MessageType    `json:"type"`
	Operation *Operation     `json:"operation,omitempty"`
	Version   int            `json:"version,omitempty"`
	Cursor    int            `json:"cursor,omitempty"`
	State     *session.State `json:"state,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// FromOT converts a core operation to its wire form.
func FromOT(op ot.Operation) Operation {
	return Operation{
		Kind:        op.Kind.String(),
		Position:    op.Position,
		Payload:     op.Payload,
		AuthorID:    op.AuthorID,
		BaseVersion: op.BaseVersion,
	}
}

// ToOT converts a wire operation into a validated core operation.
func (o Operation) ToOT() (ot.Operation, error) {
	kind, err := ot.ParseKind(o.Kind)
	if err != nil {
		return ot.Operation{}, err
	}
	op := ot.Operation{
		Kind:        kind,
		Position:    o.Position,
		Payload:     o.Payload,
		AuthorID:    o.AuthorID,
		BaseVersion: o.BaseVersion,
	}
	return op, op.Validate()
}

// Decode parses a client message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case MessageOp:
		if env.Operation == nil {
			return Envelope{}, fmt.Errorf("op message without operation")
		}
	case MessageCursor:
	default:
		return Envelope{}, fmt.Errorf("unexpected message type %q", env.Type)
	}
	return env, nil
}

// Encode marshals a server message.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Ack is sent to the author of an accepted operation.
func Ack(res session.Result) Envelope {
	op := FromOT(res.Operation)
	return Envelope{Type: MessageAck, Operation: &op, Version: res.Version}
}

// Remote is sent to every other user of the session.
func Remote(b session.Broadcast) Envelope {
	op := FromOT(b.Operation)
	return Envelope{Type: MessageRemote, Operation: &op, Version: b.Version}
}

// StateMessage carries the state a client starts editing from.
func StateMessage(st session.State) Envelope {
	return Envelope{Type: MessageState, State: &st, Version: st.Version}
}

// ErrorMessage reports a rejected message with a machine-readable code.
func ErrorMessage(err error) Envelope {
	return Envelope{Type: MessageError, Error: err.Error(), Code: ErrorCode(err)}
}
