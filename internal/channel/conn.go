// Package channel carries tunnel envelopes over one long-lived WebSocket.
//
// A Conn has exactly one reader (Serve) and serialises all writers, so
// registries and agents can Send from any goroutine.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("control channel closed")

// Sender is the write side of a control channel.
type Sender interface {
	Send(env proto.Envelope) error
}

// Handler receives every successfully decoded envelope in read order.
type Handler func(env proto.Envelope)

// Options tune keepalive and limits of a Conn.
type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

// EnvelopeOverhead bounds what an HTTP envelope carries besides its encoded
// body: headers, path, query and JSON framing.
const EnvelopeOverhead = 1<<20 + 64<<10

// ReadLimitFor is the frame size a channel must accept to carry HTTP
// envelopes with bodies of up to maxBody bytes. Bodies travel base64 encoded.
func ReadLimitFor(maxBody int64) int64 {
	return 4*((maxBody+2)/3) + EnvelopeOverhead
}

// DefaultOptions mirrors the relay's WebSocket container settings. The read
// limit admits the default 10 MiB body cap.
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		ReadLimit:    ReadLimitFor(10 << 20),
	}
}

// Conn is a control channel endpoint.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn, opts Options) *Conn {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval + opts.PingInterval/9
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	return &Conn{ws: ws, opts: opts, done: make(chan struct{})}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Done is closed once the channel is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send encodes env and writes it as one frame. JSON variants go out as text
// frames, *proto.BinaryFrame as a binary frame.
func (c *Conn) Send(env proto.Envelope) error {
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if _, ok := env.(*proto.BinaryFrame); ok {
		mt = websocket.BinaryMessage
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(mt, b)
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Serve is the single read loop of the channel. Undecodable frames are logged
// and dropped; the loop only ends when the socket fails or ctx is done.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	defer c.Close()
	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	go c.keepalive(ctx)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		// any inbound traffic proves liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		switch mt {
		case websocket.TextMessage:
			env, err := proto.Decode(data)
			if err != nil {
				reason := "malformed"
				if errors.Is(err, proto.ErrUnknownVariant) {
					reason = "unknown_variant"
				}
				obs.DroppedEnvelopesTotal.WithLabelValues(reason).Inc()
				obs.Debug("channel.decode", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr()})
				continue
			}
			h(env)
		case websocket.BinaryMessage:
			f, ok := proto.DecodeFrame(data)
			if !ok {
				obs.DroppedEnvelopesTotal.WithLabelValues("short_frame").Inc()
				obs.Debug("channel.short_frame", obs.Fields{"len": len(data), "remote": c.RemoteAddr()})
				continue
			}
			h(f)
		}
	}
}

func (c *Conn) keepalive(ctx context.Context) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				obs.Debug("channel.ping", obs.Fields{"err": err.Error()})
				_ = c.Close()
				return
			}
		}
	}
}

// DialOptions configure the agent side handshake.
type DialOptions struct {
	// Token is attached as a bearer credential; it is never inspected here.
	Token string

	Header           http.Header
	HandshakeTimeout time.Duration
	Options
}

// Dial opens a control channel to target.
func Dial(ctx context.Context, target string, o DialOptions) (*Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.HandshakeTimeout,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 15 * time.Second
	}
	h := http.Header{}
	for k, v := range o.Header {
		h[k] = append([]string(nil), v...)
	}
	if o.Token != "" {
		h.Set("Authorization", "Bearer "+o.Token)
	}
	ws, resp, err := d.DialContext(ctx, target, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return New(ws, o.Options), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade accepts a control channel on the relay. The first requested
// subprotocol, if any, is echoed back.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, EchoSubprotocol(r))
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

// EchoSubprotocol returns the response header selecting the client's first
// offered subprotocol, or nil.
func EchoSubprotocol(r *http.Request) http.Header {
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		return http.Header{"Sec-Websocket-Protocol": {protos[0]}}
	}
	return nil
}

// WebSocketURL turns an http(s) base URL plus path into a ws(s) URL.
func WebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

// WireCloseCode maps close codes that must never appear in a close frame
// (1005, 1006, 1015 and out-of-range values) to ones that may.
func WireCloseCode(code int) int {
	switch {
	case code == websocket.CloseNoStatusReceived:
		return websocket.CloseNormalClosure
	case code == websocket.CloseAbnormalClosure, code == websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr
	case code < 1000 || code > 4999:
		return websocket.CloseInternalServerErr
	}
	return code
}
