package netutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade", "websocket")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Host", "demo.example.com")
	h.Set("X-Custom", "keep-me")

	out := StripHopByHop(h)
	require.Empty(t, out.Get("Connection"))
	require.Empty(t, out.Get("Upgrade"))
	require.Empty(t, out.Get("Transfer-Encoding"))
	require.Empty(t, out.Get("Host"))
	require.Equal(t, "keep-me", out.Get("X-Custom"))
}

func TestNormalizeHost(t *testing.T) {
	require.Equal(t, "demo.example.com", NormalizeHost("Demo.Example.com:8443"))
	require.Equal(t, "demo.example.com", NormalizeHost("demo.example.com"))
}

func TestCollapseHeadersTakesLastValue(t *testing.T) {
	h := http.Header{}
	h.Add("X-Token", "first")
	h.Add("X-Token", "second")

	out := CollapseHeaders(h)
	require.Equal(t, "second", out["X-Token"])
}

func TestCollapseHeadersEmptyYieldsNil(t *testing.T) {
	require.Nil(t, CollapseHeaders(http.Header{}))
}

func TestExpandHeadersRoundTripsThroughHTTPHeader(t *testing.T) {
	m := map[string]string{"Content-Type": "application/json", "X-Request-Id": "abc"}
	h := ExpandHeaders(m)
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, "abc", h.Get("X-Request-Id"))
	require.Equal(t, m, CollapseHeaders(h))
}
