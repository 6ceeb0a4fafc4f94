// Package registry implements the broker's process-wide mapping from domain
// to active agent connection, enforcing at-most-one bound agent per domain.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/tunely/tunely/internal/wire"
)

var (
	ErrAuthFailed       = errors.New("auth_failed")
	ErrTunnelDisabled   = errors.New("tunnel_disabled")
	ErrAlreadyConnected = errors.New("already_connected")
)

// DomainLookup resolves an auth token to the record it names. It is the
// Registry's one dependency on the external store.
type DomainLookup interface {
	LookupByToken(token string) (domain, tunnelID string, enabled bool, ok bool)
}

// Writer is the minimal send-side contract a Registry needs from a bound
// session's outbound channel; satisfied by *wire.Writer.
type Writer interface {
	Write(wire.Message) error
	Close()
}

// ActiveConnection is the registry's record of one bound agent.
type ActiveConnection struct {
	Domain            string
	TunnelID          string
	Writer            Writer
	BoundAt           time.Time
	HeartbeatDeadline time.Time

	// Preempt is closed by Bind when a later forcing AUTH replaces this
	// connection, signalling the owning session to tear itself down.
	Preempt chan struct{}

	mu         sync.Mutex
	preemptOne sync.Once
}

// SignalPreempt closes Preempt exactly once, safe to call concurrently or
// more than once (an admin disabling an already-preempted domain, for
// instance).
func (c *ActiveConnection) SignalPreempt() {
	c.preemptOne.Do(func() { close(c.Preempt) })
}

// SetHeartbeatDeadline updates the liveness deadline under the entry's own
// lock; registry operations never need to take the Registry-wide lock to
// touch it.
func (c *ActiveConnection) SetHeartbeatDeadline(t time.Time) {
	c.mu.Lock()
	c.HeartbeatDeadline = t
	c.mu.Unlock()
}

func (c *ActiveConnection) GetHeartbeatDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.HeartbeatDeadline
}

// Registry is the process-wide domain -> ActiveConnection map. All
// operations are serialized under a single mutex, per the shared-resource
// policy: bind/lookup/unbind are short critical sections with no nested
// locking across other tables.
type Registry struct {
	lookup DomainLookup

	mu       sync.Mutex
	byDomain map[string]*ActiveConnection
}

func New(lookup DomainLookup) *Registry {
	return &Registry{
		lookup:   lookup,
		byDomain: make(map[string]*ActiveConnection),
	}
}

// Bind authenticates token against the store and, on success, installs a new
// ActiveConnection for its domain, preempting any existing one when force is
// true. The whole check-then-set sequence happens under the registry's
// mutex so no interleaving Bind can observe two live connections for the
// same domain.
func (r *Registry) Bind(token string, w Writer, force bool) (*ActiveConnection, string, string, error) {
	domain, tunnelID, enabled, ok := r.lookup.LookupByToken(token)
	if !ok {
		return nil, "", "", ErrAuthFailed
	}
	if !enabled {
		return nil, "", "", ErrTunnelDisabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, has := r.byDomain[domain]
	if has {
		if !force {
			return nil, "", "", ErrAlreadyConnected
		}
		existing.SignalPreempt()
	}

	conn := &ActiveConnection{
		Domain:   domain,
		TunnelID: tunnelID,
		Writer:   w,
		BoundAt:  time.Now(),
		Preempt:  make(chan struct{}),
	}
	conn.SetHeartbeatDeadline(time.Now().Add(heartbeatGrace))
	r.byDomain[domain] = conn
	return conn, domain, tunnelID, nil
}

// heartbeatGrace is the initial heartbeat deadline set at bind time; the
// session's heartbeater replaces it when it starts, and the session's reader
// extends it on every inbound frame.
const heartbeatGrace = 2 * time.Minute

// Lookup returns the current ActiveConnection for domain, or nil.
func (r *Registry) Lookup(domain string) *ActiveConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDomain[domain]
}

// Unbind removes conn from the registry only if it is still the current
// entry for its domain; idempotent, a no-op if conn was already replaced by
// a preemptor.
func (r *Registry) Unbind(conn *ActiveConnection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDomain[conn.Domain]; ok && cur == conn {
		delete(r.byDomain, conn.Domain)
	}
}

// Count returns the number of currently bound domains, for diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDomain)
}
