package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunely/tunely/internal/wire"
)

func TestForwardUnarySuccess(t *testing.T) {
	t.Parallel()
	_, ts, cfg := newTestServer(t, nil)
	token, _ := createTestDomain(t, ts, cfg, "demo-unary")
	agentConn := dialAgent(t, ts, cfg, token, false)
	defer agentConn.Close()

	go func() {
		var msg wire.Message
		if err := agentConn.ReadJSON(&msg); err != nil || msg.Request == nil {
			return
		}
		_ = agentConn.WriteJSON(wire.Message{
			Kind: wire.KindResponse,
			Response: &wire.Response{
				ID:      msg.Request.ID,
				Status:  http.StatusOK,
				Headers: map[string]string{"X-Demo": "yes"},
				Body:    "hello from target",
			},
		})
	}()

	resp, err := http.Post(ts.URL+"/api/tunnels/demo-unary/forward", "application/json",
		strings.NewReader(`{"method":"GET","path":"/ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out forwardResponseEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, http.StatusOK, out.Status)
	require.Equal(t, "hello from target", out.Body)
	require.Equal(t, "yes", out.Headers["X-Demo"])
}

func TestForwardStreamingSuccess(t *testing.T) {
	t.Parallel()
	_, ts, cfg := newTestServer(t, nil)
	token, _ := createTestDomain(t, ts, cfg, "demo-stream")
	agentConn := dialAgent(t, ts, cfg, token, false)
	defer agentConn.Close()

	go func() {
		var msg wire.Message
		if err := agentConn.ReadJSON(&msg); err != nil || msg.Request == nil {
			return
		}
		id := msg.Request.ID
		_ = agentConn.WriteJSON(wire.Message{Kind: wire.KindStreamStart, StreamStart: &wire.StreamStart{ID: id, Status: http.StatusOK}})
		_ = agentConn.WriteJSON(wire.Message{Kind: wire.KindStreamChunk, StreamChunk: &wire.StreamChunk{ID: id, Data: "chunk-one "}})
		_ = agentConn.WriteJSON(wire.Message{Kind: wire.KindStreamChunk, StreamChunk: &wire.StreamChunk{ID: id, Data: "chunk-two"}})
		_ = agentConn.WriteJSON(wire.Message{Kind: wire.KindStreamEnd, StreamEnd: &wire.StreamEnd{ID: id, TotalChunks: 2}})
	}()

	resp, err := http.Post(ts.URL+"/api/tunnels/demo-stream/forward", "application/json",
		strings.NewReader(`{"method":"GET","path":"/events"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "chunk-one chunk-two", string(body))
}

func TestForwardRequestTimeout(t *testing.T) {
	t.Parallel()
	_, ts, cfg := newTestServer(t, nil)
	token, _ := createTestDomain(t, ts, cfg, "demo-req-timeout")
	agentConn := dialAgent(t, ts, cfg, token, false)
	defer agentConn.Close()

	// The agent reads the REQUEST but deliberately never answers it.
	go func() {
		var msg wire.Message
		_ = agentConn.ReadJSON(&msg)
	}()

	resp, err := http.Post(ts.URL+"/api/tunnels/demo-req-timeout/forward", "application/json",
		strings.NewReader(`{"method":"GET","path":"/slow","timeout_ms":50}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestForwardUnknownDomainReturnsBadGateway(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/tunnels/no-such-domain/forward", "application/json",
		strings.NewReader(`{"method":"GET","path":"/ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestForwardStreamingClientDisconnectCancelsPendingEntry guards against the
// streaming path leaking a pending entry (and blocking the session's
// readLoop on a full stream channel) when the public client goes away
// mid-stream, mirroring the non-streaming path's cancel-on-disconnect.
func TestForwardStreamingClientDisconnectCancelsPendingEntry(t *testing.T) {
	t.Parallel()
	srv, ts, cfg := newTestServer(t, nil)
	token, _ := createTestDomain(t, ts, cfg, "demo-disconnect")
	agentConn := dialAgent(t, ts, cfg, token, false)
	defer agentConn.Close()

	started := make(chan struct{})
	go func() {
		var msg wire.Message
		if err := agentConn.ReadJSON(&msg); err != nil || msg.Request == nil {
			return
		}
		id := msg.Request.ID
		_ = agentConn.WriteJSON(wire.Message{Kind: wire.KindStreamStart, StreamStart: &wire.StreamStart{ID: id, Status: http.StatusOK}})
		close(started)
		// No STREAM_END is ever sent: the entry only clears because the
		// client disconnects.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/tunnels/demo-disconnect/forward",
		strings.NewReader(`{"method":"GET","path":"/events"}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	<-started
	cancel()
	_ = resp.Body.Close()

	require.Eventually(t, func() bool { return srv.pending.Len() == 0 }, 2*time.Second, 10*time.Millisecond,
		"pending entry should be cancelled once the public client disconnects")
}
