package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/portmux/internal/proto"
)

type recorder struct{ ch chan proto.Envelope }

func newRecorder() *recorder { return &recorder{ch: make(chan proto.Envelope, 256)} }

func (r *recorder) Send(env proto.Envelope) error {
	r.ch <- env
	return nil
}

func (r *recorder) next(t *testing.T) proto.Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func (r *recorder) nextWS(t *testing.T) *proto.WSMessage {
	t.Helper()
	env := r.next(t)
	m, ok := env.(*proto.WSMessage)
	if !ok {
		t.Fatalf("expected WS message, got %#v", env)
	}
	return m
}

func (r *recorder) nextResponse(t *testing.T) *proto.HTTPMessage {
	t.Helper()
	env := r.next(t)
	m, ok := env.(*proto.HTTPMessage)
	if !ok || m.Type != proto.HTTPResponse {
		t.Fatalf("expected RESPONSE, got %#v", env)
	}
	return m
}

// agentFor points a new agent at the host:port of rawURL.
func agentFor(t *testing.T, rawURL string, kind proto.TunnelKind) *Agent {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return New(Config{TunnelID: "t1", Kind: kind, LocalHost: host, LocalPort: port, RequestTimeout: 2 * time.Second})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestRequestForwarding(t *testing.T) {
	type seen struct {
		method, uri, host, contentLength, custom string
		body                                     string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{
			method:        r.Method,
			uri:           r.URL.RequestURI(),
			host:          r.Host,
			contentLength: strconv.FormatInt(r.ContentLength, 10),
			custom:        strings.Join(r.Header.Values("X-Multi"), "|"),
			body:          string(b),
		}
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	rec := newRecorder()
	req := proto.NewRequest("r1", "POST", "/api/items", "q=1", map[string][]string{
		"Host":    {"public.example.com"},
		"X-Multi": {"one", "two"},
	}, nil)
	a.HandleEnvelope(context.Background(), rec, req)

	s := <-got
	if s.method != "POST" || s.uri != "/api/items?q=1" {
		t.Errorf("target saw %s %s", s.method, s.uri)
	}
	if s.host == "public.example.com" {
		t.Error("Host header must not be forwarded")
	}
	if s.contentLength != "0" || s.body != "" {
		t.Errorf("expected empty body with length 0, got %s %q", s.contentLength, s.body)
	}
	if s.custom != "one|two" {
		t.Errorf("multi-valued header = %q", s.custom)
	}

	resp := rec.nextResponse(t)
	if resp.ID != "r1" || resp.Status != http.StatusCreated || string(resp.RespBody) != "created" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.RespHeaders["Set-Cookie"]) != 2 {
		t.Errorf("Set-Cookie = %v", resp.RespHeaders["Set-Cookie"])
	}
}

func TestEmptyResponseBodyOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewRequest("r2", "GET", "/", "", nil, nil))
	resp := rec.nextResponse(t)
	if resp.Status != http.StatusNoContent || resp.RespBody != nil {
		t.Errorf("unexpected response %+v", resp)
	}
	b, _ := proto.Encode(resp)
	if strings.Contains(string(b), "respBodyB64") {
		t.Errorf("empty body must be omitted: %s", b)
	}
}

func TestLocalTargetDownReturns502(t *testing.T) {
	a := New(Config{TunnelID: "t1", LocalHost: "127.0.0.1", LocalPort: freePort(t), RequestTimeout: time.Second})
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewRequest("r3", "GET", "/health", "", nil, nil))
	resp := rec.nextResponse(t)
	if resp.ID != "r3" || resp.Status != http.StatusBadGateway {
		t.Fatalf("unexpected response %+v", resp)
	}
	if ct := resp.RespHeaders["Content-Type"]; len(ct) != 1 || ct[0] != "text/plain; charset=utf-8" {
		t.Errorf("content type = %v", ct)
	}
	if !strings.HasPrefix(string(resp.RespBody), "Bad Gateway") || len(resp.RespBody) <= len("Bad Gateway") {
		t.Errorf("body = %q", resp.RespBody)
	}
}

func TestOversizedResponseEnvelopeReturns502(t *testing.T) {
	huge := strings.Repeat("h", 1200<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Huge", huge)
		_, _ = w.Write([]byte("tiny"))
	}))
	defer srv.Close()
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	a.cfg.MaxBodyBytes = 16
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewRequest("r9", "GET", "/", "", nil, nil))
	resp := rec.nextResponse(t)
	if resp.ID != "r9" || resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 for an envelope the relay cannot read, got %d", resp.Status)
	}
	if b, _ := proto.Encode(resp); int64(len(b)) > a.frameLimit() {
		t.Errorf("replacement envelope still exceeds the frame limit")
	}
}

func TestLocalTimeoutReturns502(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	a.cfg.RequestTimeout = 100 * time.Millisecond
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewRequest("r4", "GET", "/slow", "", nil, nil))
	if resp := rec.nextResponse(t); resp.Status != http.StatusBadGateway {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestRedirectsAreNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewRequest("r5", "GET", "/", "", nil, nil))
	resp := rec.nextResponse(t)
	if resp.Status != http.StatusFound || resp.RespHeaders["Location"][0] != "/elsewhere" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	a := New(Config{TunnelID: "t1"})
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewPing())
	env := rec.next(t)
	if c, ok := env.(*proto.ControlMessage); !ok || c.Type != proto.ControlPong {
		t.Errorf("expected PONG, got %#v", env)
	}
	a.HandleEnvelope(context.Background(), rec, proto.NewPong())
	select {
	case env := <-rec.ch:
		t.Errorf("PONG must not be answered, got %#v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func wsEchoServer(t *testing.T, closed chan<- int) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if r.URL.Query().Get("greet") != "" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("hi "+r.Header.Get("X-User")))
		}
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if closed != nil && errors.As(err, &ce) {
					closed <- ce.Code
				}
				return
			}
			if string(data) == "quit" {
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "bye"))
				return
			}
			_ = c.WriteMessage(mt, data)
		}
	}))
}

func TestWebSocketRelay(t *testing.T) {
	closed := make(chan int, 1)
	srv := wsEchoServer(t, closed)
	defer srv.Close()
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	rec := newRecorder()
	ctx := context.Background()

	a.HandleEnvelope(ctx, rec, proto.NewOpen("c1", "/ws", "greet=1", map[string]string{
		"X-User":            "ann",
		"Sec-Websocket-Key": "stale",
		"Upgrade":           "websocket",
	}))
	if m := rec.nextWS(t); m.Type != proto.WSOpenOK || m.ConnectionID != "c1" {
		t.Fatalf("expected OPEN_OK, got %+v", m)
	}
	if m := rec.nextWS(t); m.Type != proto.WSText || m.Text != "hi ann" {
		t.Fatalf("expected greeting, got %+v", m)
	}

	a.HandleEnvelope(ctx, rec, proto.NewText("c1", "hello"))
	if m := rec.nextWS(t); m.Type != proto.WSText || m.Text != "hello" {
		t.Errorf("text echo = %+v", m)
	}
	a.HandleEnvelope(ctx, rec, proto.NewBinary("c1", []byte{0, 1, 2}))
	if m := rec.nextWS(t); m.Type != proto.WSBinary || string(m.Data) != "\x00\x01\x02" {
		t.Errorf("binary echo = %+v", m)
	}
	// frames for unknown connections are ignored
	a.HandleEnvelope(ctx, rec, proto.NewText("other", "x"))

	a.HandleEnvelope(ctx, rec, proto.NewClose("c1", 0, ""))
	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("local close code = %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("local socket was not closed")
	}
	select {
	case env := <-rec.ch:
		t.Errorf("relay initiated close must not be echoed, got %#v", env)
	case <-time.After(100 * time.Millisecond):
	}
	if a.Active() != 0 {
		t.Errorf("active = %d", a.Active())
	}
}

func TestLocalWebSocketCloseIsReported(t *testing.T) {
	srv := wsEchoServer(t, nil)
	defer srv.Close()
	a := agentFor(t, srv.URL, proto.TunnelHTTP)
	rec := newRecorder()
	ctx := context.Background()
	a.HandleEnvelope(ctx, rec, proto.NewOpen("c2", "/", "", nil))
	if m := rec.nextWS(t); m.Type != proto.WSOpenOK {
		t.Fatalf("expected OPEN_OK, got %+v", m)
	}
	a.HandleEnvelope(ctx, rec, proto.NewText("c2", "quit"))
	m := rec.nextWS(t)
	if m.Type != proto.WSClose || m.CloseCode != 4001 || m.CloseReason != "bye" {
		t.Errorf("expected CLOSE 4001 bye, got %+v", m)
	}
}

func TestWebSocketDialFailureSendsClose1011(t *testing.T) {
	a := New(Config{TunnelID: "t1", LocalHost: "127.0.0.1", LocalPort: freePort(t), RequestTimeout: time.Second})
	rec := newRecorder()
	a.HandleEnvelope(context.Background(), rec, proto.NewOpen("c3", "/", "", nil))
	m := rec.nextWS(t)
	if m.Type != proto.WSClose || m.ConnectionID != "c3" || m.CloseCode != 1011 || m.CloseReason == "" {
		t.Errorf("expected CLOSE 1011, got %+v", m)
	}
}

func TestTCPRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4)
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				_, _ = c.Write([]byte(strings.ToUpper(string(buf))))
			}()
		}
	}()
	a := New(Config{TunnelID: "t1", Kind: proto.TunnelTCP, LocalHost: "127.0.0.1", LocalPort: ln.Addr().(*net.TCPAddr).Port})
	rec := newRecorder()
	ctx := context.Background()

	a.HandleEnvelope(ctx, rec, proto.NewOpen("k1", "", "", nil))
	if m := rec.nextWS(t); m.Type != proto.WSOpenOK || m.ConnectionID != "k1" {
		t.Fatalf("expected OPEN_OK, got %+v", m)
	}
	a.HandleEnvelope(ctx, rec, &proto.BinaryFrame{ConnectionID: "k1", Payload: []byte("ab")})
	a.HandleEnvelope(ctx, rec, proto.NewBinary("k1", []byte("cd")))

	var got []byte
	for len(got) < 4 {
		env := rec.next(t)
		f, ok := env.(*proto.BinaryFrame)
		if !ok {
			t.Fatalf("expected frame, got %#v", env)
		}
		got = append(got, f.Payload...)
	}
	if string(got) != "ABCD" {
		t.Errorf("relayed %q", got)
	}
	// the local side closes after answering
	m := rec.nextWS(t)
	if m.Type != proto.WSClose || m.CloseCode != 1000 {
		t.Errorf("expected CLOSE 1000, got %+v", m)
	}
}

func TestCloseDuringOpenSuppressesOpenOK(t *testing.T) {
	// a listener that never completes a WebSocket handshake keeps the dial pending
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	a := New(Config{TunnelID: "t1", LocalHost: "127.0.0.1", LocalPort: ln.Addr().(*net.TCPAddr).Port, RequestTimeout: 5 * time.Second})
	rec := newRecorder()
	ctx := context.Background()
	a.HandleEnvelope(ctx, rec, proto.NewOpen("c4", "/", "", nil))
	time.Sleep(50 * time.Millisecond)
	a.HandleEnvelope(ctx, rec, proto.NewClose("c4", 1000, ""))
	select {
	case env := <-rec.ch:
		t.Errorf("cancelled open must stay silent, got %#v", env)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRunWithRetryGivesUp(t *testing.T) {
	a := New(Config{
		ServerURL:        "http://127.0.0.1:" + strconv.Itoa(freePort(t)),
		TunnelID:         "t1",
		MinRetryInterval: 10 * time.Millisecond,
		MaxRetryInterval: 20 * time.Millisecond,
		MaxRetryCount:    2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.RunWithRetry(ctx)
	if err == nil || !strings.Contains(err.Error(), "giving up after 2 attempts") {
		t.Errorf("RunWithRetry = %v", err)
	}
}

func TestRunWithRetryStopsOnCancel(t *testing.T) {
	a := New(Config{
		ServerURL:        "http://127.0.0.1:" + strconv.Itoa(freePort(t)),
		TunnelID:         "t1",
		MinRetryInterval: 10 * time.Millisecond,
		MaxRetryCount:    -1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.RunWithRetry(ctx); err != nil {
		t.Errorf("RunWithRetry after cancel = %v", err)
	}
}

func TestConfigPaths(t *testing.T) {
	c := Config{TunnelID: "abc", LocalPort: 3000}.withDefaults()
	if c.ControlPath() != "/api/http-tunnel/abc" || c.LocalAddr() != "127.0.0.1:3000" {
		t.Errorf("http config: %s %s", c.ControlPath(), c.LocalAddr())
	}
	c.Kind = proto.TunnelTCP
	if c.ControlPath() != "/api/net-tunnel/abc" {
		t.Errorf("tcp path = %s", c.ControlPath())
	}
	a := New(Config{LocalHost: "localhost", LocalPort: 8080})
	if got := a.localURL("http", "", "a=b"); got != "http://localhost:8080/?a=b" {
		t.Errorf("localURL = %s", got)
	}
}
