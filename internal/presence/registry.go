package presence

import "sync"

const (
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
)

// Envelope is the unit pushed to a live connection. Payload must be JSON
// encodable.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Connection is a live, addressable transport handle bound to a user.
type Connection interface {
	ID() string
	Send(envelope Envelope) error
	Close() error
}

// Registry maintains the bijection between user identities and live
// connections. Entries are ephemeral and never persisted.
type Registry struct {
	mu           sync.RWMutex
	byIdentity   map[string]Connection
	byConnection map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity:   make(map[string]Connection),
		byConnection: make(map[string]string),
	}
}

// Bind records the identity/connection pair. Any previous connection bound to
// the identity is revoked (closed and removed) first, and any previous
// identity held by the connection is released, so the bijection holds after
// every call. The revoked connection is returned so callers can log it.
func (r *Registry) Bind(identity string, conn Connection) Connection {
	if identity == "" || conn == nil {
		return nil
	}

	r.mu.Lock()
	var revoked Connection
	if prev, ok := r.byIdentity[identity]; ok && prev.ID() != conn.ID() {
		delete(r.byConnection, prev.ID())
		revoked = prev
	}
	if prevIdentity, ok := r.byConnection[conn.ID()]; ok && prevIdentity != identity {
		delete(r.byIdentity, prevIdentity)
	}
	r.byIdentity[identity] = conn
	r.byConnection[conn.ID()] = identity
	r.mu.Unlock()

	if revoked != nil {
		_ = revoked.Close()
	}
	return revoked
}

// Unbind removes both directions of the mapping. It reports the identity the
// connection was bound to, and is a no-op for unbound connections.
func (r *Registry) Unbind(conn Connection) (string, bool) {
	if conn == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byConnection[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConnection, conn.ID())
	if bound, found := r.byIdentity[identity]; found && bound.ID() == conn.ID() {
		delete(r.byIdentity, identity)
	}
	return identity, true
}

// Lookup resolves the live connection for an identity. Absence means the user
// is not currently reachable.
func (r *Registry) Lookup(identity string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// IdentityOf resolves the identity bound to a connection.
func (r *Registry) IdentityOf(conn Connection) (string, bool) {
	if conn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.byConnection[conn.ID()]
	return identity, ok
}

// AnnounceOnline pushes a userOnline envelope to every bound connection other
// than the one belonging to identity.
func (r *Registry) AnnounceOnline(identity string) {
	r.announce(EventUserOnline, identity)
}

// AnnounceOffline pushes a userOffline envelope to every bound connection
// other than the one belonging to identity.
func (r *Registry) AnnounceOffline(identity string) {
	r.announce(EventUserOffline, identity)
}

func (r *Registry) announce(event, identity string) {
	r.mu.RLock()
	targets := make([]Connection, 0, len(r.byIdentity))
	for bound, conn := range r.byIdentity {
		if bound == identity {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Send(Envelope{Event: event, Payload: identity})
	}
}

// Identities returns a snapshot of currently bound identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	return out
}
