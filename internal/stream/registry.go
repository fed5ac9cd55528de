package stream

import (
	"time"

	"github.com/google/uuid"
)

// Sender abstracts the transport side of a streaming client.
type Sender interface {
	Send([]byte) error
	Ping() error
	Close()
}

// connState tracks the protocol state machine of one connection.
type connState int

const (
	stateConnected connState = iota
	stateAuthenticated
	stateClosed
)

// Client is the registry's record of one live connection. It is owned
// exclusively by the server run loop and never escapes it.
type Client struct {
	ID            string
	Sender        Sender
	RemoteAddr    string
	TenantID      string
	UserID        string
	State         connState
	Subscriptions map[string]struct{}

	ConnectedAt   time.Time
	LastHeartbeat time.Time
	LastTraffic   time.Time

	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64

	bucket tokenBucket
}

// authenticated reports whether the client may use the full message set.
func (c *Client) authenticated() bool {
	return c.State == stateAuthenticated
}

// Registry owns the lifecycle of every live connection. All access happens
// on the server run loop.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register allocates a Client for a freshly accepted connection.
func (r *Registry) Register(sender Sender, remoteAddr string, rateLimit int, requireAuth bool, now time.Time) *Client {
	c := &Client{
		ID:            uuid.NewString(),
		Sender:        sender,
		RemoteAddr:    remoteAddr,
		State:         stateConnected,
		Subscriptions: make(map[string]struct{}),
		ConnectedAt:   now,
		LastHeartbeat: now,
		LastTraffic:   now,
		bucket:        newTokenBucket(rateLimit, now),
	}
	if !requireAuth {
		c.State = stateAuthenticated
	}
	r.clients[c.ID] = c
	return c
}

// Get looks a client up by id.
func (r *Registry) Get(clientID string) (*Client, bool) {
	c, ok := r.clients[clientID]
	return c, ok
}

// Remove deletes a client and returns it. Unknown ids return nil, making
// disconnects idempotent.
func (r *Registry) Remove(clientID string) *Client {
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	delete(r.clients, clientID)
	c.State = stateClosed
	return c
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	return len(r.clients)
}

// Each iterates a snapshot of the current client set so callbacks may remove
// entries while iterating.
func (r *Registry) Each(fn func(*Client)) {
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	for _, c := range snapshot {
		fn(c)
	}
}
