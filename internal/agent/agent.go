// Package agent is the local side of a tunnel. It holds one control channel
// to the relay and turns envelopes into calls against the local target.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

// Config describes one tunnel served by an Agent.
type Config struct {
	ServerURL string
	TunnelID  string
	Kind      proto.TunnelKind
	Token     string

	LocalScheme string // http or https
	LocalHost   string
	LocalPort   int

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64

	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	// MaxRetryCount < 0 retries forever.
	MaxRetryCount int
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = proto.TunnelHTTP
	}
	if c.LocalScheme == "" {
		c.LocalScheme = "http"
	}
	if c.LocalHost == "" {
		c.LocalHost = "127.0.0.1"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.MinRetryInterval <= 0 {
		c.MinRetryInterval = 500 * time.Millisecond
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 5 * time.Minute
	}
	return c
}

// frameLimit is the largest envelope either end of the channel accepts.
func (a *Agent) frameLimit() int64 { return channel.ReadLimitFor(a.cfg.MaxBodyBytes) }

// ControlPath is the relay endpoint the agent dials for its tunnel kind.
func (c Config) ControlPath() string {
	if c.Kind == proto.TunnelTCP {
		return "/api/net-tunnel/" + c.TunnelID
	}
	return "/api/http-tunnel/" + c.TunnelID
}

// LocalAddr is host:port of the local target.
func (c Config) LocalAddr() string {
	return net.JoinHostPort(c.LocalHost, strconv.Itoa(c.LocalPort))
}

// localConn is a relayed local socket, either a WebSocket or raw TCP.
type localConn interface {
	writeText(text string) error
	writeBinary(data []byte) error
	close(code int, reason string)
}

// Agent multiplexes local connections over a control channel.
type Agent struct {
	cfg      Config
	client   *http.Client
	wsDialer *websocket.Dialer

	mu      sync.Mutex
	conns   map[string]localConn
	opening map[string]context.CancelFunc
}

func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	return &Agent{
		cfg: cfg,
		client: &http.Client{
			Transport: tr,
			// redirects are the browser's business
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
		conns:   make(map[string]localConn),
		opening: make(map[string]context.CancelFunc),
	}
}

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.cfg }

// Run dials one control channel and serves it until it closes or ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	target, err := channel.WebSocketURL(a.cfg.ServerURL, a.cfg.ControlPath())
	if err != nil {
		return err
	}
	conn, err := channel.Dial(ctx, target, channel.DialOptions{
		Token:   a.cfg.Token,
		Options: channel.Options{ReadLimit: a.frameLimit()},
	})
	if err != nil {
		return err
	}
	obs.Info("agent.connected", obs.Fields{"tunnel": a.cfg.TunnelID, "kind": string(a.cfg.Kind), "server": target})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeat(ctx, conn)
	err = conn.Serve(ctx, func(env proto.Envelope) { a.HandleEnvelope(ctx, conn, env) })
	a.closeAll(1001, "control channel lost")
	obs.Info("agent.disconnected", obs.Fields{"tunnel": a.cfg.TunnelID})
	return err
}

// RunWithRetry keeps the control channel up, reconnecting with exponential
// backoff, until ctx is done or the retry budget is spent.
func (a *Agent) RunWithRetry(ctx context.Context) error {
	b := &backoff.Backoff{Min: a.cfg.MinRetryInterval, Max: a.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := a.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			// a healthy session earns a fresh backoff
			b.Reset()
		}
		attempt := int(b.Attempt())
		if a.cfg.MaxRetryCount >= 0 && attempt >= a.cfg.MaxRetryCount {
			if err == nil {
				err = errors.New("control channel closed")
			}
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		f := obs.Fields{"tunnel": a.cfg.TunnelID, "attempt": attempt + 1, "retry_in": d.String()}
		if err != nil {
			f["err"] = err.Error()
		}
		obs.Warn("agent.reconnect", f)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context, out channel.Sender) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := out.Send(proto.NewPing()); err != nil {
				obs.Debug("agent.heartbeat", obs.Fields{"err": err.Error()})
				return
			}
		}
	}
}

// HandleEnvelope dispatches one envelope read from the control channel.
// Replies go to out.
func (a *Agent) HandleEnvelope(ctx context.Context, out channel.Sender, env proto.Envelope) {
	switch m := env.(type) {
	case *proto.HTTPMessage:
		if m.Type != proto.HTTPRequest {
			obs.Debug("agent.ignore", obs.Fields{"type": string(m.Type), "id": m.ID})
			return
		}
		go a.handleRequest(ctx, out, m)
	case *proto.WSMessage:
		a.handleWS(ctx, out, m)
	case *proto.BinaryFrame:
		if c := a.get(m.ConnectionID); c != nil {
			if err := c.writeBinary(m.Payload); err != nil {
				obs.Debug("agent.local.write", obs.Fields{"conn": m.ConnectionID, "err": err.Error()})
			}
		}
	case *proto.ControlMessage:
		switch m.Type {
		case proto.ControlPing:
			if err := out.Send(proto.NewPong()); err != nil {
				obs.Debug("agent.pong", obs.Fields{"err": err.Error()})
			}
		case proto.ControlPong:
			f := obs.Fields{}
			if m.TS > 0 {
				f["age_ms"] = time.Now().UnixMilli() - m.TS
			}
			obs.Debug("agent.pong", f)
		}
	}
}

func (a *Agent) handleWS(ctx context.Context, out channel.Sender, m *proto.WSMessage) {
	switch m.Type {
	case proto.WSOpen:
		octx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		a.mu.Lock()
		a.opening[m.ConnectionID] = cancel
		a.mu.Unlock()
		go func() {
			defer cancel()
			if a.cfg.Kind == proto.TunnelTCP {
				a.openTCP(octx, out, m)
				return
			}
			a.openWS(octx, out, m)
		}()
	case proto.WSText:
		if c := a.get(m.ConnectionID); c != nil {
			if err := c.writeText(m.Text); err != nil {
				obs.Debug("agent.local.write", obs.Fields{"conn": m.ConnectionID, "err": err.Error()})
			}
		}
	case proto.WSBinary:
		if c := a.get(m.ConnectionID); c != nil {
			if err := c.writeBinary(m.Data); err != nil {
				obs.Debug("agent.local.write", obs.Fields{"conn": m.ConnectionID, "err": err.Error()})
			}
		}
	case proto.WSClose, proto.WSError:
		a.mu.Lock()
		c := a.conns[m.ConnectionID]
		delete(a.conns, m.ConnectionID)
		cancel := a.opening[m.ConnectionID]
		delete(a.opening, m.ConnectionID)
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if c != nil {
			code := m.CloseCode
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			c.close(code, m.CloseReason)
			obs.LogicalConnections.WithLabelValues(a.kindLabel()).Dec()
		}
	case proto.WSOpenOK:
		obs.Debug("agent.unexpected_open_ok", obs.Fields{"conn": m.ConnectionID})
	}
}

// register publishes c unless its OPEN was cancelled meanwhile.
func (a *Agent) register(id string, c localConn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.opening[id]; !ok {
		return false
	}
	delete(a.opening, id)
	a.conns[id] = c
	obs.LogicalConnections.WithLabelValues(a.kindLabel()).Inc()
	obs.ConnectionsTotal.WithLabelValues(a.kindLabel()).Inc()
	return true
}

// abandon forgets a failed OPEN. It reports whether the relay still expects an answer.
func (a *Agent) abandon(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.opening[id]
	delete(a.opening, id)
	return ok
}

func (a *Agent) get(id string) localConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[id]
}

// remove deletes id only if it still maps to c.
func (a *Agent) remove(id string, c localConn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.conns[id]; ok && cur == c {
		delete(a.conns, id)
		obs.LogicalConnections.WithLabelValues(a.kindLabel()).Dec()
		return true
	}
	return false
}

func (a *Agent) closeAll(code int, reason string) {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[string]localConn)
	for id, cancel := range a.opening {
		cancel()
		delete(a.opening, id)
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.close(code, reason)
		obs.LogicalConnections.WithLabelValues(a.kindLabel()).Dec()
	}
}

// Active returns the number of relayed local connections.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Agent) kindLabel() string {
	if a.cfg.Kind == proto.TunnelTCP {
		return "agent_tcp"
	}
	return "agent_ws"
}

// reportClose tells the relay that a local connection ended.
func reportClose(out channel.Sender, id string, code int, reason string) {
	if err := out.Send(proto.NewClose(id, code, reason)); err != nil {
		obs.Debug("agent.close.send", obs.Fields{"conn": id, "err": err.Error()})
	}
}
