// Package agent implements the tunnel agent: the connect/reconnect loop
// with backoff, and the request executor that performs local HTTP calls on
// behalf of the broker and streams back event-stream responses.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/tunely/tunely/internal/config"
	"github.com/tunely/tunely/internal/wire"
)

// Agent drives one logical tunnel agent: it holds at most one active
// control channel at a time and reconnects with backoff on failure, per
// spec.md §4.6.
type Agent struct {
	cfg        config.AgentConfig
	logger     *slog.Logger
	httpClient *http.Client
}

func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 0, // per-request timeout is applied via context instead
		},
	}
}

// Run dials the broker, authenticates, and services requests until ctx is
// cancelled or the broker rejects the agent permanently.
func (a *Agent) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    a.cfg.ReconnectBaseS,
		Max:    a.cfg.ReconnectMaxS,
		Factor: 2,
		Jitter: true,
	}
	rejectCount := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.runSession(ctx, bo, &rejectCount)
		if err == nil {
			return nil // clean shutdown requested
		}
		if errors.Is(err, errPermanent) {
			return err
		}

		bo.Duration() // advance jpillora/backoff's own attempt counter
		factor := clampFactor(bo.Attempt()+float64(rejectCount), a.cfg.ReconnectFactorCap)
		delay := backoffDelay(a.cfg.ReconnectBaseS, a.cfg.ReconnectMaxS, factor)
		a.logger.Warn("reconnecting after failure", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

var errPermanent = errors.New("agent: permanent auth rejection")

// clampFactor caps the combined reconnect-attempt and reject-count factor at
// cap, per the backoff accounting design note in spec.md §9.
func clampFactor(raw float64, cap int) float64 {
	if cap <= 0 {
		cap = 8
	}
	if raw > float64(cap) {
		return float64(cap)
	}
	return raw
}

// backoffDelay computes base * 2^factor capped at max, with +-20% jitter, per
// spec.md §4.6's exponential backoff with cap and jitter.
func backoffDelay(base, max time.Duration, factor float64) time.Duration {
	d := float64(base)
	for i := 0; i < int(factor); i++ {
		d *= 2
	}
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

// runSession dials once, authenticates, and services requests until the
// channel dies or ctx is cancelled. Returns nil only on a clean,
// user-initiated shutdown.
func (a *Agent) runSession(ctx context.Context, bo *backoff.Backoff, rejectCount *int) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	if a.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(a.cfg.MaxFrameBytes)
	}

	writer := wire.NewWriter(conn, 10*time.Second, 64, a.cfg.MaxFrameBytes)
	defer writer.Close()

	if err := writer.Write(wire.Message{Kind: wire.KindAuth, Auth: &wire.Auth{Token: a.cfg.Token, ClientVersion: "tunely-agent"}}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var authReply wire.Message
	if err := conn.ReadJSON(&authReply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch authReply.Kind {
	case wire.KindAuthError:
		code := ""
		if authReply.AuthError != nil {
			code = authReply.AuthError.Code
		}
		if code == "auth_failed" || code == "tunnel_disabled" {
			return errPermanent
		}
		*rejectCount++
		return fmt.Errorf("auth rejected: %s", code)
	case wire.KindAuthOK:
		bo.Reset()
		*rejectCount = 0
		a.logger.Info("authenticated", "domain", authReply.AuthOK.Domain)
	default:
		return fmt.Errorf("unexpected reply to AUTH: %s", authReply.Kind)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.readLoop(sessCtx, conn, writer)
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// readLoop dispatches every inbound REQUEST to its own executor goroutine
// and answers PING/PONG inline, per spec.md §4.6's heartbeat contract.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn, writer *wire.Writer) error {
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindPing:
			_ = writer.Write(wire.Message{Kind: wire.KindPong, Pong: &wire.Pong{Timestamp: time.Now().UnixMilli()}})
		case wire.KindPong:
			// no-op: the agent does not originate pings.
		case wire.KindRequest:
			if msg.Request != nil {
				req := *msg.Request
				go a.execute(ctx, writer, req)
			}
		default:
			a.logger.Warn("dropping frame with unexpected kind", "kind", msg.Kind)
		}
	}
}
