package broker

import (
	"time"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

// Sink is the exclusive write handle for one connection. Send must be
// bounded-time: implementations hand the frame to a buffered transport queue
// and fail instead of blocking when the peer cannot keep up. A Sink is owned
// by exactly one registry entry and is never shared. Close releases the
// transport side and must be idempotent; the broker calls it whenever it
// drops the connection.
type Sink interface {
	Send(frame []byte) error
	Close()
}

// Connection is one registry entry: a live streaming peer, its identity keys,
// and its subscription filter. Mutable fields are guarded by the broker lock.
type Connection struct {
	ID        string
	SessionID string
	UserID    string

	subscriptions map[event.Type]struct{}
	lastSeen      time.Time
	sink          Sink
}

func newConnection(id, sessionID, userID string, subs []event.Type, sink Sink) *Connection {
	if len(subs) == 0 {
		subs = event.AllTypes()
	}
	set := make(map[event.Type]struct{}, len(subs))
	for _, t := range subs {
		set[t] = struct{}{}
	}
	return &Connection{
		ID:            id,
		SessionID:     sessionID,
		UserID:        userID,
		subscriptions: set,
		lastSeen:      time.Now(),
		sink:          sink,
	}
}

// SubscribedTo reports whether the connection wants envelopes of type t.
func (c *Connection) SubscribedTo(t event.Type) bool {
	_, ok := c.subscriptions[t]
	return ok
}

// Subscriptions returns the active subscription set in stable order.
func (c *Connection) Subscriptions() []event.Type {
	out := make([]event.Type, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return event.SortTypes(out)
}
