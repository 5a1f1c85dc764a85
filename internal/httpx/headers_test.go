package httpx

import (
	"net"
	"net/http"
	"testing"
)

func TestCloneWithout(t *testing.T) {
	h := http.Header{"Host": {"a"}, "X-One": {"1", "2"}}
	out := CloneWithout(h, "host")
	if out.Get("Host") != "" {
		t.Error("host should be removed")
	}
	if got := out.Values("X-One"); len(got) != 2 {
		t.Errorf("X-One = %v", got)
	}
	out.Add("X-One", "3")
	if len(h.Values("X-One")) != 2 {
		t.Error("clone must not alias the source")
	}
	if CloneWithout(nil) == nil {
		t.Error("nil header should clone to an empty header")
	}
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":        {"keep-alive, X-Private"},
		"Keep-Alive":        {"timeout=5"},
		"X-Private":         {"secret"},
		"Transfer-Encoding": {"chunked"},
		"Content-Type":      {"text/plain"},
	}
	StripHopByHop(h)
	for _, n := range []string{"Connection", "Keep-Alive", "X-Private", "Transfer-Encoding"} {
		if h.Get(n) != "" {
			t.Errorf("%s should be stripped", n)
		}
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Error("end-to-end header removed")
	}
}

func TestAugmentXFF(t *testing.T) {
	h := http.Header{}
	AugmentXFF(h, "10.0.0.1")
	if got := h.Get("X-Forwarded-For"); got != "10.0.0.1" {
		t.Errorf("xff = %q", got)
	}
	AugmentXFF(h, "10.0.0.2")
	if got := h.Get("X-Forwarded-For"); got != "10.0.0.1, 10.0.0.2" {
		t.Errorf("xff = %q", got)
	}
	AugmentXFF(h, "")
	if got := h.Get("X-Forwarded-For"); got != "10.0.0.1, 10.0.0.2" {
		t.Errorf("empty ip changed xff to %q", got)
	}
}

func TestFlattenAndExpand(t *testing.T) {
	if Flatten(nil) != nil {
		t.Error("empty header should flatten to nil")
	}
	m := Flatten(http.Header{"Accept": {"a", "b"}, "Sec-Websocket-Key": {"k"}, "Sec-Websocket-Protocol": {"chat"}})
	if m["Accept"] != "a, b" {
		t.Errorf("Accept = %q", m["Accept"])
	}
	h := ExpandForDial(m)
	if h.Get("Sec-Websocket-Key") != "" {
		t.Error("handshake key must be dropped")
	}
	if h.Get("Sec-Websocket-Protocol") != "chat" {
		t.Error("subprotocol should be forwarded")
	}
	if !IsWebSocketHandshakeHeader("sec-websocket-version") || IsWebSocketHandshakeHeader("Cookie") {
		t.Error("handshake header classification wrong")
	}
}

func TestRemoteIP(t *testing.T) {
	if got := RemoteIP("192.0.2.1:1234"); got != "192.0.2.1" {
		t.Errorf("RemoteIP = %q", got)
	}
	if got := RemoteIP("[::1]:80"); got != "::1" {
		t.Errorf("RemoteIP v6 = %q", got)
	}
	if got := RemoteIP("nonsense"); got != "nonsense" {
		t.Errorf("RemoteIP fallback = %q", got)
	}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if got := RemoteIPFromConn(a); got != "pipe" {
		t.Errorf("RemoteIPFromConn(pipe) = %q", got)
	}
}
