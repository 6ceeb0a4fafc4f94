// Package wire defines the framed JSON protocol exchanged between the
// tunnel broker and a tunnel agent over the control channel.
package wire

import (
	"encoding/base64"
	"strings"
)

// Kind identifies the payload carried by a [Message]. The wire format is a
// single discriminated envelope; unknown kinds are logged and dropped by the
// receiver rather than treated as a protocol error, per the codec's
// purely-functional contract.
const (
	KindAuth        = "AUTH"
	KindAuthOK      = "AUTH_OK"
	KindAuthError   = "AUTH_ERROR"
	KindRequest     = "REQUEST"
	KindResponse    = "RESPONSE"
	KindStreamStart = "STREAM_START"
	KindStreamChunk = "STREAM_CHUNK"
	KindStreamEnd   = "STREAM_END"
	KindPing        = "PING"
	KindPong        = "PONG"
)

// Message is the top-level envelope exchanged on the control channel. Only
// the field matching Kind is populated; the rest are left zero.
type Message struct {
	Kind string `json:"type"`

	Auth        *Auth        `json:"auth,omitempty"`
	AuthOK      *AuthOK      `json:"auth_ok,omitempty"`
	AuthError   *AuthError   `json:"auth_error,omitempty"`
	Request     *Request     `json:"request,omitempty"`
	Response    *Response    `json:"response,omitempty"`
	StreamStart *StreamStart `json:"stream_start,omitempty"`
	StreamChunk *StreamChunk `json:"stream_chunk,omitempty"`
	StreamEnd   *StreamEnd   `json:"stream_end,omitempty"`
	Ping        *Ping        `json:"ping,omitempty"`
	Pong        *Pong        `json:"pong,omitempty"`
}

type Auth struct {
	Token         string `json:"token"`
	ClientVersion string `json:"client_version,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

type AuthOK struct {
	Domain        string `json:"domain"`
	TunnelID      string `json:"tunnel_id"`
	ServerVersion string `json:"server_version,omitempty"`
}

type AuthError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Request and Response headers are single-valued: per spec.md §3, duplicate
// header names collapse to the last value before a frame is built. Callers
// on the HTTP side use netutil.CollapseHeaders/ExpandHeaders to cross this
// boundary.
type Request struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

type Response struct {
	ID         string            `json:"id"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

type StreamStart struct {
	ID        string            `json:"id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

type StreamChunk struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	Sequence  int64  `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type StreamEnd struct {
	ID          string `json:"id"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	TotalChunks int64  `json:"total_chunks,omitempty"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// EncodeBody base64-encodes a byte slice for transport under a non-text
// Content-Type, per the wire's "deterministic textual encoding" requirement.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody. Callers that know the body was transported
// as plain text should skip this and use the string directly.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// IsTextContentType reports whether body bytes for this Content-Type are
// safe to carry as a raw (non-base64) string.
func IsTextContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.Contains(ct, "json"):
		return true
	case strings.Contains(ct, "xml"):
		return true
	case strings.Contains(ct, "urlencoded"):
		return true
	default:
		return false
	}
}

