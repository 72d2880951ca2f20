package session

import "github.com/manpreetbhatti/lattice-collab/internal/ot"

// Broadcast is a committed operation on its way to the users that did not
// author it.
type Broadcast struct {
	SessionID  string
	Operation  ot.Operation
	Version    int
	Recipients []string
}

// Broadcaster delivers committed operations. Publish is called inside the
// session's critical section in commit order, so implementations must queue
// and return without waiting on slow clients.
type Broadcaster interface {
	Publish(b Broadcast)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(b Broadcast)

func (f BroadcasterFunc) Publish(b Broadcast) { f(b) }

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(Broadcast) {}
