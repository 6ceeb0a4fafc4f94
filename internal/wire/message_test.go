package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Kind: KindRequest,
		Request: &Request{
			ID:      "req-1",
			Method:  "GET",
			Path:    "/ping",
			Headers: map[string]string{"Accept": "text/plain"},
			Body:    "hello",
		},
	}

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, msg.Kind, out.Kind)
	require.Equal(t, msg.Request.ID, out.Request.ID)
	require.Equal(t, msg.Request.Body, out.Request.Body)
	require.Equal(t, msg.Request.Headers, out.Request.Headers)
}

func TestEncodeDecodeBodyRoundTrip(t *testing.T) {
	body := []byte{0x00, 0xff, 0x10, 'h', 'i'}
	encoded := EncodeBody(body)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestEncodeBodyEmpty(t *testing.T) {
	require.Equal(t, "", EncodeBody(nil))
	decoded, err := DecodeBody("")
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func TestIsTextContentType(t *testing.T) {
	cases := map[string]bool{
		"":                          true,
		"text/plain":                true,
		"text/event-stream":         true,
		"application/json":          true,
		"application/xml":           true,
		"application/octet-stream":  false,
		"image/png":                 false,
		"APPLICATION/JSON":          true,
	}
	for ct, want := range cases {
		require.Equalf(t, want, IsTextContentType(ct), "content type %q", ct)
	}
}
