package httpx

import (
	"net"
	"net/http"
	"strings"
)

// hopByHop headers apply to a single transport hop and are never relayed.
var hopByHop = []string{
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

// wsHandshake headers are generated by the WebSocket dialer itself and must
// not be supplied again when re-dialing a relayed connection.
var wsHandshake = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Host":                     true,
}

// CloneWithout returns a deep copy of h without the named headers (case-insensitive).
func CloneWithout(h http.Header, names ...string) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, n := range names {
		out.Del(n)
	}
	return out
}

// StripHopByHop removes hop-by-hop headers, including any listed in Connection.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, n := range hopByHop {
		h.Del(n)
	}
}

// AugmentXFF appends clientIP to X-Forwarded-For, or sets it.
func AugmentXFF(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

// IsWebSocketHandshakeHeader reports whether name is owned by the WebSocket handshake.
func IsWebSocketHandshakeHeader(name string) bool {
	return wsHandshake[http.CanonicalHeaderKey(name)]
}

// Flatten joins multi-valued headers with ", ".
func Flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// ExpandForDial turns a flattened map back into an http.Header, skipping
// headers the WebSocket dialer generates itself.
func ExpandForDial(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		if IsWebSocketHandshakeHeader(k) {
			continue
		}
		h.Set(k, v)
	}
	return h
}

// RemoteIP extracts the IP portion of a host:port address.
func RemoteIP(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// RemoteIPFromConn extracts the IP portion from a connection's remote address.
func RemoteIPFromConn(c net.Conn) string {
	return RemoteIP(c.RemoteAddr().String())
}
