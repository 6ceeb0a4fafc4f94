package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunely/tunely/internal/wire"
)

type fakeWriter struct {
	closed bool
}

func (f *fakeWriter) Write(wire.Message) error { return nil }
func (f *fakeWriter) Close()                   { f.closed = true }

type fakeLookup struct {
	records map[string]struct {
		domain, tunnelID string
		enabled          bool
	}
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{records: map[string]struct {
		domain, tunnelID string
		enabled          bool
	}{}}
}

func (f *fakeLookup) add(token, domain, tunnelID string, enabled bool) {
	f.records[token] = struct {
		domain, tunnelID string
		enabled          bool
	}{domain, tunnelID, enabled}
}

func (f *fakeLookup) LookupByToken(token string) (string, string, bool, bool) {
	r, ok := f.records[token]
	if !ok {
		return "", "", false, false
	}
	return r.domain, r.tunnelID, r.enabled, true
}

func TestBindRejectsUnknownToken(t *testing.T) {
	reg := New(newFakeLookup())
	_, _, _, err := reg.Bind("missing", &fakeWriter{}, false)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestBindRejectsDisabled(t *testing.T) {
	lookup := newFakeLookup()
	lookup.add("tok", "demo", "t1", false)
	reg := New(lookup)
	_, _, _, err := reg.Bind("tok", &fakeWriter{}, false)
	require.ErrorIs(t, err, ErrTunnelDisabled)
}

func TestBindAtMostOnePerDomain(t *testing.T) {
	lookup := newFakeLookup()
	lookup.add("tok", "demo", "t1", true)
	reg := New(lookup)

	conn1, _, _, err := reg.Bind("tok", &fakeWriter{}, false)
	require.NoError(t, err)
	require.NotNil(t, conn1)

	_, _, _, err = reg.Bind("tok", &fakeWriter{}, false)
	require.ErrorIs(t, err, ErrAlreadyConnected)

	require.Equal(t, conn1, reg.Lookup("demo"))
}

func TestBindForcePreemptsExisting(t *testing.T) {
	lookup := newFakeLookup()
	lookup.add("tok", "demo", "t1", true)
	reg := New(lookup)

	conn1, _, _, err := reg.Bind("tok", &fakeWriter{}, false)
	require.NoError(t, err)

	conn2, _, _, err := reg.Bind("tok", &fakeWriter{}, true)
	require.NoError(t, err)

	select {
	case <-conn1.Preempt:
	default:
		t.Fatal("expected conn1 to be signalled for preemption")
	}
	require.Equal(t, conn2, reg.Lookup("demo"))
}

func TestUnbindIsIdempotentAndOnlyRemovesCurrentOwner(t *testing.T) {
	lookup := newFakeLookup()
	lookup.add("tok", "demo", "t1", true)
	reg := New(lookup)

	conn1, _, _, err := reg.Bind("tok", &fakeWriter{}, false)
	require.NoError(t, err)

	conn2, _, _, err := reg.Bind("tok", &fakeWriter{}, true)
	require.NoError(t, err)

	// conn1 was preempted; unbinding it must not remove conn2.
	reg.Unbind(conn1)
	require.Equal(t, conn2, reg.Lookup("demo"))

	reg.Unbind(conn2)
	require.Nil(t, reg.Lookup("demo"))

	// idempotent
	reg.Unbind(conn2)
	require.Nil(t, reg.Lookup("demo"))
}
