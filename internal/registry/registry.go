// Package registry is the relay side of TCP tunnels. Each tunnel owns a
// public listener; every accepted socket becomes a logical connection that
// is announced to the agent with OPEN and only pumped after OPEN_OK.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/httpx"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
	"github.com/matst80/portmux/internal/ratelimit"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrChannelDetached   = errors.New("control channel detached")
	ErrListenerBind      = errors.New("listener bind failed")
)

// Options configure a Registry.
type Options struct {
	// ListenHost is the interface public listeners bind to; empty means all.
	ListenHost string
	// ReadBufferSize bounds the payload of one outgoing frame.
	ReadBufferSize int
	// WriteTimeout bounds a single write to a public socket.
	WriteTimeout time.Duration
	Limiter      *ratelimit.RateLimiter
}

type tunnel struct {
	id    string
	conns *connTable

	mu     sync.RWMutex
	ln     net.Listener
	port   int
	sender channel.Sender
}

func (t *tunnel) getSender() channel.Sender {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sender
}

// send writes env to the attached channel; with none attached it is dropped.
func (t *tunnel) send(env proto.Envelope) error {
	s := t.getSender()
	if s == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("detached").Inc()
		return ErrChannelDetached
	}
	return s.Send(env)
}

// Registry tracks TCP tunnels and their logical connections.
type Registry struct {
	opts Options

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

func New(opts Options) *Registry {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 32 << 10
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	return &Registry{opts: opts, tunnels: make(map[string]*tunnel)}
}

func (r *Registry) getOrCreate(tunnelID string) *tunnel {
	t, ok := r.tunnels[tunnelID]
	if !ok {
		t = &tunnel{id: tunnelID, conns: newConnTable()}
		r.tunnels[tunnelID] = t
	}
	return t
}

func (r *Registry) lookup(tunnelID string) *tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[tunnelID]
}

// Expose opens the public listener of tunnelID, or returns the port of the
// one already open.
func (r *Registry) Expose(tunnelID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.getOrCreate(tunnelID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.port, nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(r.opts.ListenHost, "0"))
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("listener_bind").Inc()
		return 0, fmt.Errorf("%w: tunnel %s: %v", ErrListenerBind, tunnelID, err)
	}
	t.ln = ln
	t.port = ln.Addr().(*net.TCPAddr).Port
	obs.Info("registry.expose", obs.Fields{"tunnel": tunnelID, "port": t.port})
	go r.acceptLoop(t, ln)
	return t.port, nil
}

// Port returns the public port of an exposed tunnel.
func (r *Registry) Port(tunnelID string) (int, bool) {
	t := r.lookup(tunnelID)
	if t == nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port, t.ln != nil
}

// Attach binds s as the control channel of tunnelID, replacing any previous one.
func (r *Registry) Attach(tunnelID string, s channel.Sender) {
	r.mu.Lock()
	t := r.getOrCreate(tunnelID)
	t.mu.Lock()
	if t.sender == nil {
		obs.ControlChannels.WithLabelValues("tcp").Inc()
	}
	t.sender = s
	t.mu.Unlock()
	r.mu.Unlock()
	obs.Info("registry.attach", obs.Fields{"tunnel": tunnelID})
}

// Detach clears s from whichever tunnel it is attached to. A tunnel left with
// neither listener nor channel is forgotten.
func (r *Registry) Detach(s channel.Sender) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tunnels {
		t.mu.Lock()
		if t.sender == s {
			t.sender = nil
			if t.ln == nil {
				delete(r.tunnels, id)
			}
			t.mu.Unlock()
			obs.ControlChannels.WithLabelValues("tcp").Dec()
			obs.Info("registry.detach", obs.Fields{"tunnel": id})
			return id, true
		}
		t.mu.Unlock()
	}
	return "", false
}

// HandleEnvelope applies one envelope received on the control channel of tunnelID.
func (r *Registry) HandleEnvelope(tunnelID string, env proto.Envelope) {
	t := r.lookup(tunnelID)
	if t == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("unknown_tunnel").Inc()
		obs.Debug("registry.unknown_tunnel", obs.Fields{"tunnel": tunnelID})
		return
	}
	switch m := env.(type) {
	case *proto.BinaryFrame:
		r.writePublic(t, m.ConnectionID, m.Payload)
	case *proto.WSMessage:
		switch m.Type {
		case proto.WSOpenOK:
			r.openAcked(t, m.ConnectionID)
		case proto.WSBinary:
			r.writePublic(t, m.ConnectionID, m.Data)
		case proto.WSText:
			r.writePublic(t, m.ConnectionID, []byte(m.Text))
		case proto.WSClose, proto.WSError:
			r.closeFromAgent(t, m)
		case proto.WSOpen:
			obs.Debug("registry.unexpected_open", obs.Fields{"tunnel": tunnelID, "conn": m.ConnectionID})
		}
	case *proto.ControlMessage:
		// liveness is handled by the caller
	case *proto.HTTPMessage:
		obs.DroppedEnvelopesTotal.WithLabelValues("http_on_tcp").Inc()
	}
}

func (r *Registry) acceptLoop(t *tunnel, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			obs.Error("registry.accept", obs.Fields{"tunnel": t.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !r.opts.Limiter.AllowConnection(t.id) {
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			obs.Debug("registry.rate_limited", obs.Fields{"tunnel": t.id, "remote": c.RemoteAddr().String()})
			_ = c.Close()
			continue
		}
		tc := newTCPConn(uuid.NewString(), c)
		t.conns.put(tc)
		obs.LogicalConnections.WithLabelValues("tcp").Inc()
		obs.ConnectionsTotal.WithLabelValues("tcp").Inc()
		obs.Debug("registry.accept", obs.Fields{"tunnel": t.id, "conn": tc.id, "remote": c.RemoteAddr().String()})

		open := proto.NewOpen(tc.id, "", "", map[string]string{"X-Forwarded-For": httpx.RemoteIPFromConn(c)})
		if err := t.send(open); err != nil {
			// nobody will ever acknowledge this connection
			obs.Debug("registry.open.dropped", obs.Fields{"tunnel": t.id, "conn": tc.id, "err": err.Error()})
			if t.conns.remove(tc) {
				r.release(t, tc)
			}
		}
	}
}

func (r *Registry) openAcked(t *tunnel, connID string) {
	c := t.conns.get(connID)
	if c == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("unknown_connection").Inc()
		return
	}
	if !c.transition(stateAccepted, stateOpenAcked) {
		obs.Debug("registry.duplicate_open_ok", obs.Fields{"tunnel": t.id, "conn": connID, "state": c.getState().String()})
		return
	}
	go r.pump(t, c)
}

// pump is the single reader of a public socket.
func (r *Registry) pump(t *tunnel, c *tcpConn) {
	defer func() {
		if p := recover(); p != nil {
			obs.Error("registry.pump.panic", obs.Fields{"tunnel": t.id, "conn": c.id, "panic": fmt.Sprint(p)})
			obs.ErrorsTotal.WithLabelValues("pump_panic").Inc()
		}
		r.finish(t, c)
	}()
	c.transition(stateOpenAcked, stateRelaying)
	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.bytesIn.Add(int64(n))
			obs.BytesRelayedTotal.WithLabelValues("inbound").Add(float64(n))
			payload := append([]byte(nil), buf[:n]...)
			if serr := t.send(&proto.BinaryFrame{ConnectionID: c.id, Payload: payload}); serr != nil {
				obs.Debug("registry.pump.send", obs.Fields{"tunnel": t.id, "conn": c.id, "err": serr.Error()})
			}
		}
		if err != nil {
			return
		}
	}
}

// finish ends a connection from the public side. CLOSE goes to the agent only
// when this call removed the entry.
func (r *Registry) finish(t *tunnel, c *tcpConn) {
	c.close()
	if !t.conns.remove(c) {
		return
	}
	r.release(t, c)
	if err := t.send(proto.NewClose(c.id, 1000, "")); err != nil {
		obs.Debug("registry.close.send", obs.Fields{"tunnel": t.id, "conn": c.id, "err": err.Error()})
	}
}

func (r *Registry) closeFromAgent(t *tunnel, m *proto.WSMessage) {
	c := t.conns.get(m.ConnectionID)
	if c == nil || !t.conns.remove(c) {
		return
	}
	c.close()
	r.release(t, c)
	if m.CloseReason != "" {
		obs.Debug("registry.agent_close", obs.Fields{"tunnel": t.id, "conn": c.id, "code": m.CloseCode, "reason": m.CloseReason})
	}
}

// release runs once per connection, after its table entry is gone.
func (r *Registry) release(t *tunnel, c *tcpConn) {
	c.close()
	c.state.Store(int32(stateClosed))
	obs.LogicalConnections.WithLabelValues("tcp").Dec()
	obs.ConnectionDurationSeconds.Observe(time.Since(c.opened).Seconds())
	obs.Debug("registry.conn.closed", obs.Fields{
		"tunnel":   t.id,
		"conn":     c.id,
		"received": sizestr.ToString(c.bytesIn.Load()),
		"sent":     sizestr.ToString(c.bytesOut.Load()),
	})
}

func (r *Registry) writePublic(t *tunnel, connID string, data []byte) {
	c := t.conns.get(connID)
	if c == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("unknown_connection").Inc()
		obs.Debug("registry.write", obs.Fields{"tunnel": t.id, "conn": connID, "err": ErrUnknownConnection.Error()})
		return
	}
	if len(data) == 0 {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	n, err := c.conn.Write(data)
	c.bytesOut.Add(int64(n))
	obs.BytesRelayedTotal.WithLabelValues("outbound").Add(float64(n))
	if err != nil {
		// the pump notices the broken socket and reports CLOSE
		obs.Debug("registry.write", obs.Fields{"tunnel": t.id, "conn": connID, "err": err.Error()})
	}
}

// Close closes the public listener of tunnelID and every connection on it.
// A tunnel whose agent is still attached keeps its channel binding, so a
// later Expose serves the same agent again.
func (r *Registry) Close(tunnelID string) {
	r.mu.Lock()
	t, ok := r.tunnels[tunnelID]
	if ok && t.getSender() == nil {
		delete(r.tunnels, tunnelID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.unexpose(t)
	obs.Info("registry.close", obs.Fields{"tunnel": t.id})
}

// unexpose closes the listener and releases every connection of t.
func (r *Registry) unexpose(t *tunnel) {
	t.mu.Lock()
	if t.ln != nil {
		_ = t.ln.Close()
		t.ln = nil
		t.port = 0
	}
	t.mu.Unlock()
	for _, c := range t.conns.drain() {
		r.release(t, c)
	}
	r.opts.Limiter.Forget(t.id)
}

func (r *Registry) closeTunnel(t *tunnel) {
	t.mu.Lock()
	if t.sender != nil {
		obs.ControlChannels.WithLabelValues("tcp").Dec()
		t.sender = nil
	}
	t.mu.Unlock()
	r.unexpose(t)
	obs.Info("registry.close", obs.Fields{"tunnel": t.id})
}

// Shutdown closes every tunnel.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := r.tunnels
	r.tunnels = make(map[string]*tunnel)
	r.mu.Unlock()
	for _, t := range all {
		r.closeTunnel(t)
	}
}

// Stats is a snapshot of the registry.
type Stats struct {
	Tunnels     int `json:"tunnels"`
	Exposed     int `json:"exposed"`
	Attached    int `json:"attached"`
	Connections int `json:"connections"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Tunnels: len(r.tunnels)}
	for _, t := range r.tunnels {
		t.mu.RLock()
		if t.ln != nil {
			s.Exposed++
		}
		if t.sender != nil {
			s.Attached++
		}
		t.mu.RUnlock()
		s.Connections += t.conns.len()
	}
	return s
}

// Active lists the tunnels that are exposed or have a channel attached.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, t := range r.tunnels {
		t.mu.RLock()
		if t.ln != nil || t.sender != nil {
			ids = append(ids, id)
		}
		t.mu.RUnlock()
	}
	return ids
}

// PublicAddr formats host and port of an exposed tunnel.
func PublicAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
