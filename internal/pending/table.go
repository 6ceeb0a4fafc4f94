// Package pending implements the broker's request-id -> waiter table: the
// bridge between the Forward Dispatcher's public HTTP call and the Agent
// Session reader that demultiplexes control-channel replies onto it.
package pending

import (
	"errors"
	"sync"
	"time"

	"github.com/tunely/tunely/internal/wire"
)

// Kind distinguishes a still-undetermined entry from one that has committed
// to unary or streaming delivery. The Dispatcher creates entries as Unknown
// and the first reply frame settles the kind, per §4.5's discriminated
// await.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnary
	KindStream
)

var (
	ErrUnknownID  = errors.New("pending: unknown id")
	ErrWrongKind  = errors.New("pending: protocol_error: wrong frame for entry kind")
	ErrOutOfOrder = errors.New("pending: protocol_error: stream frame before START")
)

// Outcome is delivered exactly once to a unary waiter, or as the terminal
// event of a stream, carrying either a RESPONSE or a synthesized failure.
type Outcome struct {
	Response *wire.Response
	Err      error // session_closed, request_timeout, target_unavailable, ...
}

// Entry is one in-flight request's broker-side state.
type Entry struct {
	ID       string
	Session  any // owner session identity, compared by == in FailAllOwnedBy
	Deadline time.Time

	mu       sync.Mutex
	kind     Kind
	unaryCh  chan Outcome
	streamCh chan wire.Message // START, CHUNK*, END in order
	done     bool
}

// Stream returns the entry's chunk channel for a caller that has observed
// (or is waiting to observe) STREAM_START.
func (e *Entry) Stream() <-chan wire.Message { return e.streamCh }

// Unary returns the entry's single-shot outcome channel.
func (e *Entry) Unary() <-chan Outcome { return e.unaryCh }

// Table is the shared map of in-flight requests. Guarded by a single mutex;
// the critical sections are short lookups/inserts, matching the
// shared-resource policy's sharded-map-or-single-lock allowance simplified
// to one lock since entry bodies do their own internal synchronization.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Create allocates a fresh pending entry for id, owned by session, with a
// bounded stream queue sized streamQueueDepth.
func (t *Table) Create(id string, session any, deadline time.Time, streamQueueDepth int) *Entry {
	if streamQueueDepth <= 0 {
		streamQueueDepth = 128
	}
	e := &Entry{
		ID:       id,
		Session:  session,
		Deadline: deadline,
		unaryCh:  make(chan Outcome, 1),
		streamCh: make(chan wire.Message, streamQueueDepth),
	}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	return e
}

func (t *Table) get(id string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// DeliverUnary completes entry id with a RESPONSE frame. Silently no-ops if
// id is unknown. If the entry had already committed to streaming, this is a
// protocol error delivered to the stream instead of the unary slot.
func (t *Table) DeliverUnary(id string, resp *wire.Response) error {
	e := t.get(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	if e.kind == KindStream {
		e.done = true
		t.remove(id)
		e.streamCh <- wire.Message{Kind: wire.KindStreamEnd, StreamEnd: &wire.StreamEnd{ID: id, Error: ErrWrongKind.Error()}}
		close(e.streamCh)
		return ErrWrongKind
	}
	e.kind = KindUnary
	e.done = true
	t.remove(id)
	e.unaryCh <- Outcome{Response: resp}
	close(e.unaryCh)
	return nil
}

// DeliverStream routes one STREAM_START/STREAM_CHUNK/STREAM_END frame to
// entry id. The first frame observed for an id must be STREAM_START.
func (t *Table) DeliverStream(id string, msg wire.Message) error {
	e := t.get(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	if e.kind == KindUnary {
		return ErrWrongKind
	}
	if e.kind == KindUnknown {
		if msg.Kind != wire.KindStreamStart {
			return ErrOutOfOrder
		}
		e.kind = KindStream
	}
	e.streamCh <- msg
	if msg.Kind == wire.KindStreamEnd {
		e.done = true
		t.remove(id)
		close(e.streamCh)
	}
	return nil
}

// Cancel removes entry id and fails its waiter with reason.
func (t *Table) Cancel(id string, reason error) {
	e := t.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	t.remove(id)
	if e.kind == KindStream {
		e.streamCh <- wire.Message{Kind: wire.KindStreamEnd, StreamEnd: &wire.StreamEnd{ID: id, Error: reason.Error()}}
		close(e.streamCh)
		return
	}
	e.unaryCh <- Outcome{Err: reason}
	close(e.unaryCh)
}

// FailAllOwnedBy fails every still-pending entry whose Session equals
// session, used when an Agent Session tears down.
func (t *Table) FailAllOwnedBy(session any, reason error) {
	t.mu.Lock()
	var owned []string
	for id, e := range t.entries {
		if e.Session == session {
			owned = append(owned, id)
		}
	}
	t.mu.Unlock()
	for _, id := range owned {
		t.Cancel(id, reason)
	}
}

// Len reports the number of in-flight entries, for diagnostics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
