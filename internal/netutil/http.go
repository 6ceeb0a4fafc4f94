// Package netutil holds small HTTP helpers shared by the broker and agent:
// host normalization and hop-by-hop header stripping.
package netutil

import "net/http"

// hopByHop lists the headers the Forward Dispatcher strips before framing a
// REQUEST, per §4.5 step 2. Host is included because the control-channel
// REQUEST carries routing information (method/path) separately; Connection
// and friends are meaningless across the relay hop.
var hopByHop = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place and returns it,
// case-insensitively.
func StripHopByHop(h http.Header) http.Header {
	for _, name := range hopByHop {
		h.Del(name)
	}
	return h
}

// ExpandHeaders converts a single-valued wire header map into an http.Header,
// setting one value per key.
func ExpandHeaders(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// CollapseHeaders converts an http.Header into the single-valued map the wire
// protocol carries, per spec.md §3: duplicate header names collapse to the
// last value.
func CollapseHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		out[k] = vs[len(vs)-1]
	}
	return out
}

// NormalizeHost strips a trailing port and lowercases host, so that
// "Demo.example.com:443" and "demo.example.com" resolve to the same domain
// key.
func NormalizeHost(host string) string {
	out := make([]byte, 0, len(host))
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c == ':' {
			break
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
