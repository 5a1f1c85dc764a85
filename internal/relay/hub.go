// Package relay is the public facing half of HTTP and TCP tunnels: control
// endpoints agents dial into, and the ingress that forwards public traffic.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/httpx"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
	"github.com/matst80/portmux/internal/ratelimit"
	"github.com/matst80/portmux/internal/route"
	"github.com/matst80/portmux/internal/status"
	"github.com/matst80/portmux/internal/web"
)

var (
	ErrChannelDetached = errors.New("no control channel attached")
	ErrRequestTimeout  = errors.New("tunneled request timed out")
	ErrBodyTooLarge    = errors.New("request body too large")
)

// Options configure a Hub.
type Options struct {
	// BaseDomain enables subdomain routing: <tunnelId>.<BaseDomain>.
	BaseDomain string

	// Token, when set, must be presented as a bearer credential by agents.
	Token string

	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Limiter        *ratelimit.RateLimiter
	Tracker        status.Tracker
	Channel        channel.Options
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.Tracker == nil {
		o.Tracker = status.NewMemoryTracker()
	}
	if limit := channel.ReadLimitFor(o.MaxBodyBytes); o.Channel.ReadLimit < limit {
		o.Channel.ReadLimit = limit
	}
	return o
}

type httpTunnel struct {
	id  string
	pub *wsTable

	mu   sync.RWMutex
	conn *channel.Conn
}

func (t *httpTunnel) current() *channel.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

type pendingInfo struct {
	tunnelID string
	created  time.Time
	ch       chan *proto.HTTPMessage
}

// Hub routes public HTTP and WebSocket traffic to HTTP tunnels.
type Hub struct {
	opts Options

	mu      sync.RWMutex
	tunnels map[string]*httpTunnel

	pmu     sync.Mutex
	pending map[string]*pendingInfo

	timeouts atomic.Int64
}

func NewHub(opts Options) *Hub {
	return &Hub{
		opts:    opts.withDefaults(),
		tunnels: make(map[string]*httpTunnel),
		pending: make(map[string]*pendingInfo),
	}
}

func (h *Hub) tunnel(id string) *httpTunnel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tunnels[id]
}

// attach makes conn the control channel of id and returns the one it replaced.
func (h *Hub) attach(id string, conn *channel.Conn) (*httpTunnel, *channel.Conn) {
	h.mu.Lock()
	t, ok := h.tunnels[id]
	if !ok {
		t = &httpTunnel{id: id, pub: newWSTable()}
		h.tunnels[id] = t
	}
	h.mu.Unlock()
	t.mu.Lock()
	prev := t.conn
	t.conn = conn
	t.mu.Unlock()
	if prev == nil {
		obs.ControlChannels.WithLabelValues("http").Inc()
	}
	return t, prev
}

// detach clears conn if it is still the tunnel's channel.
func (h *Hub) detach(t *httpTunnel, conn *channel.Conn) bool {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return false
	}
	t.conn = nil
	t.mu.Unlock()
	obs.ControlChannels.WithLabelValues("http").Dec()
	t.pub.closeAll(websocket.CloseGoingAway, "tunnel offline")
	return true
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.opts.Token
}

// ServeHTTPTunnel is the control endpoint /api/http-tunnel/{tunnelId}.
func (h *Hub) ServeHTTPTunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := route.TunnelIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid tunnel id", http.StatusBadRequest)
		return
	}
	if !h.authorized(r) {
		obs.ErrorsTotal.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := channel.Upgrade(w, r, h.opts.Channel)
	if err != nil {
		obs.Error("hub.upgrade", obs.Fields{"tunnel": id, "err": err.Error()})
		return
	}
	t, prev := h.attach(id, conn)
	if prev != nil {
		obs.Info("hub.replace", obs.Fields{"tunnel": id, "old": prev.RemoteAddr()})
		_ = prev.Close()
		// the new agent knows nothing of the old one's connections
		t.pub.closeAll(websocket.CloseGoingAway, "tunnel replaced")
	}
	ctx := r.Context()
	if err := h.opts.Tracker.Connected(ctx, id); err != nil {
		obs.Error("hub.status.connected", obs.Fields{"tunnel": id, "err": err.Error()})
	}
	obs.Info("hub.attach", obs.Fields{"tunnel": id, "remote": conn.RemoteAddr()})

	err = conn.Serve(ctx, func(env proto.Envelope) { h.handleEnvelope(ctx, t, conn, env) })
	if h.detach(t, conn) {
		// a replacing channel owns the status from here on
		if serr := h.opts.Tracker.Closed(context.Background(), id); serr != nil {
			obs.Error("hub.status.closed", obs.Fields{"tunnel": id, "err": serr.Error()})
		}
	}
	f := obs.Fields{"tunnel": id}
	if err != nil {
		f["err"] = err.Error()
	}
	obs.Info("hub.detach", f)
}

func (h *Hub) handleEnvelope(ctx context.Context, t *httpTunnel, conn *channel.Conn, env proto.Envelope) {
	switch m := env.(type) {
	case *proto.HTTPMessage:
		if m.Type == proto.HTTPResponse {
			h.complete(m)
		}
	case *proto.WSMessage:
		h.handleWS(t, m)
	case *proto.BinaryFrame:
		if pc := t.pub.get(m.ConnectionID); pc != nil {
			pc.writeBinary(m.Payload)
		}
	case *proto.ControlMessage:
		if m.Type == proto.ControlPing {
			if err := conn.Send(proto.NewPong()); err != nil {
				obs.Debug("hub.pong", obs.Fields{"tunnel": t.id, "err": err.Error()})
			}
			if err := h.opts.Tracker.Heartbeat(ctx, t.id); err != nil {
				obs.Debug("hub.status.heartbeat", obs.Fields{"tunnel": t.id, "err": err.Error()})
			}
		}
	}
}

func (h *Hub) addPending(id string, p *pendingInfo) {
	h.pmu.Lock()
	h.pending[id] = p
	h.pmu.Unlock()
	obs.PendingRequests.Inc()
}

func (h *Hub) popPending(id string) *pendingInfo {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	p, ok := h.pending[id]
	if !ok {
		return nil
	}
	delete(h.pending, id)
	obs.PendingRequests.Dec()
	return p
}

// complete hands a RESPONSE to the request waiting for it. Late or
// duplicate responses find nothing and are dropped.
func (h *Hub) complete(m *proto.HTTPMessage) {
	h.pmu.Lock()
	p := h.pending[m.ID]
	h.pmu.Unlock()
	if p == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("unknown_request").Inc()
		return
	}
	select {
	case p.ch <- m:
	default:
	}
}

// Forward sends r through tunnelID and waits for the agent's response.
func (h *Hub) Forward(ctx context.Context, tunnelID string, r *http.Request) (*proto.HTTPMessage, error) {
	t := h.tunnel(tunnelID)
	if t == nil {
		return nil, ErrChannelDetached
	}
	conn := t.current()
	if conn == nil {
		return nil, ErrChannelDetached
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(b)) > h.opts.MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		body = b
	}
	hdr := httpx.CloneWithout(r.Header, "Host")
	httpx.StripHopByHop(hdr)
	httpx.AugmentXFF(hdr, httpx.RemoteIP(r.RemoteAddr))
	if r.Host != "" {
		hdr.Set("X-Forwarded-Host", r.Host)
	}
	if hdr.Get("X-Forwarded-Proto") == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		hdr.Set("X-Forwarded-Proto", scheme)
	}

	id := uuid.NewString()
	msg := proto.NewRequest(id, r.Method, r.URL.Path, r.URL.RawQuery, map[string][]string(hdr), body)
	msg.BodyContentType = r.Header.Get("Content-Type")
	p := &pendingInfo{tunnelID: tunnelID, created: time.Now(), ch: make(chan *proto.HTTPMessage, 1)}
	h.addPending(id, p)
	defer h.popPending(id)

	start := time.Now()
	if err := conn.Send(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelDetached, err)
	}
	timer := time.NewTimer(h.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		obs.RequestDurationSeconds.Observe(time.Since(start).Seconds())
		return resp, nil
	case <-timer.C:
		h.timeouts.Add(1)
		obs.RequestTimeoutTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		obs.Error("hub.timeout", obs.Fields{"tunnel": tunnelID, "id": id})
		return nil, ErrRequestTimeout
	case <-conn.Done():
		return nil, ErrChannelDetached
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// selectTunnel returns the tunnel id of a public request and the path to
// forward, honouring the subdomain first and the /t/{id}/ prefix second.
func (h *Hub) selectTunnel(r *http.Request) (string, string) {
	if h.opts.BaseDomain != "" {
		if name := route.ExtractName(r.Host, h.opts.BaseDomain); name != "" {
			return name, r.URL.Path
		}
	}
	if id, rest, ok := route.SplitPathPrefix(r.URL.Path); ok {
		return id, rest
	}
	return "", r.URL.Path
}

// IsPublic reports whether r addresses a tunnel by its host name.
func (h *Hub) IsPublic(r *http.Request) bool {
	return h.opts.BaseDomain != "" && route.ExtractName(r.Host, h.opts.BaseDomain) != ""
}

// ServePublic is the public ingress for HTTP tunnels.
func (h *Hub) ServePublic(w http.ResponseWriter, r *http.Request) {
	id, path := h.selectTunnel(r)
	if id == "" {
		obs.ErrorsTotal.WithLabelValues("public_host").Inc()
		web.WriteError(w, http.StatusNotFound, "notfound", web.PageData{Name: r.Host})
		return
	}
	if !h.opts.Limiter.AllowRequest(id) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "1")
		web.WriteError(w, http.StatusTooManyRequests, "ratelimited", web.PageData{Name: id, Wait: "1s"})
		return
	}
	t := h.tunnel(id)
	if t == nil {
		web.WriteError(w, http.StatusNotFound, "notfound", web.PageData{Name: id})
		return
	}
	if t.current() == nil {
		web.WriteError(w, http.StatusBadGateway, "down", web.PageData{Name: id})
		return
	}
	if isWebSocketUpgrade(r) {
		h.proxyWebSocket(w, r, t, path)
		return
	}

	fr := r.WithContext(r.Context())
	u := *r.URL
	u.Path = path
	u.RawPath = ""
	fr.URL = &u
	resp, err := h.Forward(r.Context(), id, fr)
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelDetached):
		web.WriteError(w, http.StatusBadGateway, "down", web.PageData{Name: id})
		return
	case errors.Is(err, ErrRequestTimeout):
		web.WriteError(w, http.StatusGatewayTimeout, "timeout", web.PageData{Name: id, Timeout: h.opts.RequestTimeout.String()})
		return
	case errors.Is(err, ErrBodyTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	default:
		obs.Debug("hub.forward", obs.Fields{"tunnel": id, "err": err.Error()})
		return
	}
	writeResponse(w, r, resp)
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *proto.HTTPMessage) {
	hdr := w.Header()
	for k, vs := range resp.RespHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	httpx.StripHopByHop(hdr)
	hdr.Del("Content-Length")
	if r.Method != http.MethodHead {
		hdr.Set("Content-Length", strconv.Itoa(len(resp.RespBody)))
	}
	status := resp.Status
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if len(resp.RespBody) > 0 && r.Method != http.MethodHead {
		_, _ = w.Write(resp.RespBody)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// CleanupExpiredPending drops pending entries older than maxAge. Forward
// normally removes its own entry; this only reclaims abandoned ones.
func (h *Hub) CleanupExpiredPending(maxAge time.Duration) int {
	now := time.Now()
	h.pmu.Lock()
	defer h.pmu.Unlock()
	n := 0
	for id, p := range h.pending {
		if now.Sub(p.created) > maxAge {
			delete(h.pending, id)
			obs.PendingRequests.Dec()
			n++
		}
	}
	return n
}

// StartSweeper runs CleanupExpiredPending until ctx is done.
func (h *Hub) StartSweeper(ctx context.Context) {
	t := time.NewTicker(h.opts.RequestTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := h.CleanupExpiredPending(2 * h.opts.RequestTimeout); n > 0 {
				obs.Info("hub.pending.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

// Stats is a snapshot of the hub.
type Stats struct {
	Tunnels  int   `json:"tunnels"`
	Attached int   `json:"attached"`
	Pending  int   `json:"pending"`
	PublicWS int   `json:"public_ws"`
	Timeouts int64 `json:"timeouts"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Tunnels: len(h.tunnels), Timeouts: h.timeouts.Load()}
	for _, t := range h.tunnels {
		if t.current() != nil {
			s.Attached++
		}
		s.PublicWS += t.pub.len()
	}
	h.mu.RUnlock()
	h.pmu.Lock()
	s.Pending = len(h.pending)
	h.pmu.Unlock()
	return s
}

// Active lists the tunnels with an attached control channel.
func (h *Hub) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for id, t := range h.tunnels {
		if t.current() != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown closes every attached control channel.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var conns []*channel.Conn
	for _, t := range h.tunnels {
		if c := t.current(); c != nil {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
