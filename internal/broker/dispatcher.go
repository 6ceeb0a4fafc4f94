package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tunely/tunely/internal/netutil"
	"github.com/tunely/tunely/internal/pending"
	"github.com/tunely/tunely/internal/store"
	"github.com/tunely/tunely/internal/wire"
)

const defaultRequestTimeout = 300 * time.Second
const maxForwardBodyBytes = 32 << 20

// forwardEnvelope is the public HTTP surface's JSON request shape, per
// spec.md §6. The Open Question in spec.md §9 about whether body is a raw
// string or a JSON value is resolved here: body is a raw string, matching
// the control-channel REQUEST shape one-for-one so no second transcoding
// step is needed.
type forwardEnvelope struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

type forwardResponseEnvelope struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// handleForward implements the public Forward(domain, req) operation.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	domain := pathParam(r.URL.Path, "/api/tunnels/", "/forward")
	if domain == "" {
		http.Error(w, "missing domain", http.StatusBadRequest)
		return
	}

	if !s.forwardLimiter.Allow(domain) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxForwardBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	var env forwardEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "invalid JSON envelope", http.StatusBadRequest)
			return
		}
	}

	conn := s.registry.Lookup(domain)
	if conn == nil {
		http.Error(w, "domain_unavailable", http.StatusBadGateway)
		return
	}

	headers := netutil.StripHopByHop(netutil.ExpandHeaders(env.Headers))

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if env.TimeoutMs > 0 {
		timeout = time.Duration(env.TimeoutMs) * time.Millisecond
	}

	id := uuid.NewString()
	entry := s.pending.Create(id, conn, time.Now().Add(timeout), s.cfg.StreamQueueDepth)

	reqMsg := wire.Message{
		Kind: wire.KindRequest,
		Request: &wire.Request{
			ID:        id,
			Method:    env.Method,
			Path:      env.Path,
			Headers:   netutil.CollapseHeaders(headers),
			Body:      env.Body,
			TimeoutMs: int64(timeout / time.Millisecond),
			Timestamp: time.Now().UnixMilli(),
		},
	}
	if err := conn.Writer.Write(reqMsg); err != nil {
		s.pending.Cancel(id, ErrSessionClosed)
		http.Error(w, "domain_unavailable", http.StatusBadGateway)
		return
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome, ok := <-entry.Unary():
		if !ok {
			http.Error(w, "session_closed", http.StatusBadGateway)
			return
		}
		s.completeUnary(w, domain, env, outcome, start)
		return
	case msg, ok := <-entry.Stream():
		if !ok {
			http.Error(w, "session_closed", http.StatusBadGateway)
			return
		}
		s.streamResponse(w, r, domain, env, entry, msg, start)
		return
	case <-timer.C:
		s.pending.Cancel(id, ErrRequestTimeout)
		http.Error(w, "request_timeout", http.StatusGatewayTimeout)
		s.logForward(domain, env, http.StatusGatewayTimeout, time.Since(start), "request_timeout")
		return
	case <-r.Context().Done():
		s.pending.Cancel(id, ErrClientDisconnected)
		return
	}
}

func (s *Server) completeUnary(w http.ResponseWriter, domain string, env forwardEnvelope, outcome pending.Outcome, start time.Time) {
	if outcome.Err != nil {
		http.Error(w, outcome.Err.Error(), http.StatusBadGateway)
		s.logForward(domain, env, http.StatusBadGateway, time.Since(start), outcome.Err.Error())
		return
	}
	resp := outcome.Response
	out := forwardResponseEnvelope{
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		DurationMs: resp.DurationMs,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
	s.logger.Debug("forward complete", "domain", domain, "status", resp.Status, "bytes", humanize.Bytes(uint64(len(resp.Body))), "duration", time.Since(start))
	s.logForward(domain, env, resp.Status, time.Since(start), resp.Error)
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, domain string, env forwardEnvelope, entry *pending.Entry, first wire.Message, start time.Time) {
	if first.Kind != wire.KindStreamStart || first.StreamStart == nil {
		http.Error(w, "protocol_error", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(first.StreamStart.Status)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	finalErr := ""
	for {
		select {
		case msg, ok := <-entry.Stream():
			if !ok {
				s.logForward(domain, env, first.StreamStart.Status, time.Since(start), finalErr)
				return
			}
			switch msg.Kind {
			case wire.KindStreamChunk:
				if msg.StreamChunk != nil {
					_, _ = w.Write([]byte(msg.StreamChunk.Data))
					if canFlush {
						flusher.Flush()
					}
				}
			case wire.KindStreamEnd:
				if msg.StreamEnd != nil {
					finalErr = msg.StreamEnd.Error
				}
			}
		case <-r.Context().Done():
			s.pending.Cancel(entry.ID, ErrClientDisconnected)
			s.logForward(domain, env, first.StreamStart.Status, time.Since(start), "client_disconnected")
			return
		}
	}
}

func (s *Server) logForward(domain string, env forwardEnvelope, status int, dur time.Duration, errMsg string) {
	_ = s.store.RecordRequest(context.Background(), store.RequestLogRecord{
		Domain:     domain,
		Method:     env.Method,
		Path:       env.Path,
		Status:     status,
		DurationMs: dur.Milliseconds(),
		Err:        errMsg,
		At:         time.Now().UTC(),
	})
}

func pathParam(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}
