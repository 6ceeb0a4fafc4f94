// Package broker implements the tunnel broker: the Agent Session state
// machine, the Forward Dispatcher, and the HTTP surface that ties them to
// the Domain Registry, Pending Table, and domain store.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunely/tunely/internal/auth"
	"github.com/tunely/tunely/internal/registry"
	"github.com/tunely/tunely/internal/store"
	"github.com/tunely/tunely/internal/wire"
)

var (
	ErrSessionClosed    = errors.New("session_closed")
	ErrHeartbeatTimeout = errors.New("heartbeat_timeout")
	ErrProtocolError    = errors.New("protocol_error")
)

const heartbeatFactor = 2.5

// session wraps one accepted control-channel connection: it authenticates,
// runs the Reader and Heartbeater pumps concurrently, and tears itself down
// on close, per the Agent Session state machine in spec.md §4.4.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	writer *wire.Writer

	activeConn *registry.ActiveConnection
	domain     string
	tunnelID   string
}

// run drives one session end-to-end: AwaitingAuth, then Authenticated until
// the channel dies, then Closing/Closed teardown. It blocks until the
// session is fully closed.
func (s *session) run(ctx context.Context) {
	s.writer = wire.NewWriter(s.conn, 10*time.Second, s.srv.cfg.StreamQueueDepth, s.srv.cfg.MaxFrameBytes)

	if !s.awaitAuth() {
		s.teardown("")
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeater(sessCtx)
	s.readLoop(sessCtx)

	s.teardown(s.domain)
}

// awaitAuth accepts exactly one frame within the configured auth timeout; it
// must be AUTH. Returns whether the session successfully bound and should
// proceed to Authenticated.
func (s *session) awaitAuth() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout))
	var msg wire.Message
	if err := s.conn.ReadJSON(&msg); err != nil {
		s.writer.Write(wire.Message{Kind: wire.KindAuthError, AuthError: &wire.AuthError{Error: "auth timeout", Code: "auth_timeout"}})
		return false
	}
	if msg.Kind != wire.KindAuth || msg.Auth == nil {
		s.writer.Write(wire.Message{Kind: wire.KindAuthError, AuthError: &wire.AuthError{Error: "expected AUTH", Code: "protocol_error"}})
		return false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	tokenHash := auth.HashToken(msg.Auth.Token, s.srv.cfg.TokenPepper)
	conn, domain, tunnelID, err := s.srv.registry.Bind(tokenHash, s.writer, msg.Auth.Force)
	if err != nil {
		code := "auth_failed"
		switch {
		case errors.Is(err, registry.ErrTunnelDisabled):
			code = "tunnel_disabled"
		case errors.Is(err, registry.ErrAlreadyConnected):
			code = "already_connected"
		}
		s.writer.Write(wire.Message{Kind: wire.KindAuthError, AuthError: &wire.AuthError{Error: err.Error(), Code: code}})
		return false
	}

	s.activeConn = conn
	s.domain = domain
	s.tunnelID = tunnelID
	return s.writer.Write(wire.Message{Kind: wire.KindAuthOK, AuthOK: &wire.AuthOK{Domain: domain, TunnelID: tunnelID}}) == nil
}

// heartbeater sends PING every heartbeat_interval and moves the session to
// Closing if no liveness evidence arrives within heartbeat_interval * K.
func (s *session) heartbeater(ctx context.Context) {
	interval := s.srv.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Duration(float64(interval) * heartbeatFactor)
	s.activeConn.SetHeartbeatDeadline(time.Now().Add(deadline))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.activeConn.Preempt:
			_ = s.conn.Close()
			return
		case <-ticker.C:
			if time.Now().After(s.activeConn.GetHeartbeatDeadline()) {
				s.srv.logger.Warn("heartbeat timeout", "domain", s.domain)
				_ = s.conn.Close()
				return
			}
			if err := s.writer.Write(wire.Message{Kind: wire.KindPing, Ping: &wire.Ping{Timestamp: time.Now().UnixMilli()}}); err != nil {
				return
			}
		}
	}
}

// readLoop demultiplexes inbound frames until the channel fails or the
// session is preempted.
func (s *session) readLoop(ctx context.Context) {
	go func() {
		select {
		case <-s.activeConn.Preempt:
			_ = s.conn.Close()
		case <-ctx.Done():
		}
	}()

	maxBytes := s.srv.cfg.MaxFrameBytes
	if maxBytes > 0 {
		s.conn.SetReadLimit(maxBytes)
	}

	for {
		var msg wire.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.activeConn.SetHeartbeatDeadline(time.Now().Add(time.Duration(float64(s.srv.cfg.HeartbeatInterval) * heartbeatFactor)))

		switch msg.Kind {
		case wire.KindPong:
			// liveness already refreshed above.
		case wire.KindPing:
			_ = s.writer.Write(wire.Message{Kind: wire.KindPong, Pong: &wire.Pong{Timestamp: time.Now().UnixMilli()}})
		case wire.KindResponse:
			if msg.Response != nil {
				_ = s.srv.pending.DeliverUnary(msg.Response.ID, msg.Response)
			}
		case wire.KindStreamStart:
			if msg.StreamStart != nil {
				_ = s.srv.pending.DeliverStream(msg.StreamStart.ID, msg)
			}
		case wire.KindStreamChunk:
			if msg.StreamChunk != nil {
				_ = s.srv.pending.DeliverStream(msg.StreamChunk.ID, msg)
			}
		case wire.KindStreamEnd:
			if msg.StreamEnd != nil {
				_ = s.srv.pending.DeliverStream(msg.StreamEnd.ID, msg)
			}
		case wire.KindAuth, wire.KindAuthOK, wire.KindAuthError, wire.KindRequest:
			s.srv.logger.Warn("protocol error: unexpected frame kind, closing session", "kind", msg.Kind, "domain", s.domain)
			return
		default:
			s.srv.logger.Warn("dropping frame with unknown kind", "kind", msg.Kind, "domain", s.domain)
		}
	}
}

// teardown unregisters the session (if it is still the registry's current
// owner), fails every pending entry it owns, closes the writer, and records
// the domain's last-seen time. Safe to call even if awaitAuth never
// completed.
func (s *session) teardown(domain string) {
	if s.activeConn != nil {
		s.srv.registry.Unbind(s.activeConn)
		s.srv.pending.FailAllOwnedBy(s.activeConn, ErrSessionClosed)
	}
	s.writer.Close()
	if domain != "" {
		_ = s.srv.store.Touch(context.Background(), domain)
		s.srv.logger.Info("session closed", "domain", domain)
	}
}

// storeLookup adapts the store to registry.DomainLookup by hashing is
// already done by the caller: LookupByToken here receives a pre-hashed
// token (the session hashes with the server's pepper before calling Bind).
type storeLookup struct {
	st     *store.Store
	logger *slog.Logger
}

func (l storeLookup) LookupByToken(tokenHash string) (domain, tunnelID string, enabled bool, ok bool) {
	d, tid, en, found, err := l.st.LookupByTokenHash(context.Background(), tokenHash)
	if err != nil {
		l.logger.Error("token lookup failed", "err", err)
		return "", "", false, false
	}
	if !found {
		return "", "", false, false
	}
	return d, tid, en, true
}
