package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/httpx"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

var publicUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// publicWS is a WebSocket accepted from a public client and relayed to the
// agent under its connection id.
type publicWS struct {
	id string
	ws *websocket.Conn

	wmu       sync.Mutex
	ackOnce   sync.Once
	acked     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newPublicWS(ws *websocket.Conn) *publicWS {
	return &publicWS{id: uuid.NewString(), ws: ws, acked: make(chan struct{}), done: make(chan struct{})}
}

func (p *publicWS) ack() { p.ackOnce.Do(func() { close(p.acked) }) }

func (p *publicWS) write(mt int, data []byte) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.ws.WriteMessage(mt, data); err != nil {
		obs.Debug("hub.ws.write", obs.Fields{"conn": p.id, "err": err.Error()})
	}
}

func (p *publicWS) writeText(s string) { p.write(websocket.TextMessage, []byte(s)) }
func (p *publicWS) writeBinary(data []byte) { p.write(websocket.BinaryMessage, data) }

func (p *publicWS) close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		if len(reason) > 123 {
			reason = reason[:123]
		}
		msg := websocket.FormatCloseMessage(channel.WireCloseCode(code), reason)
		_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = p.ws.Close()
	})
}

// wsTable holds the public WebSockets of one tunnel.
type wsTable struct {
	mu sync.RWMutex
	m  map[string]*publicWS
}

func newWSTable() *wsTable { return &wsTable{m: make(map[string]*publicWS)} }

func (t *wsTable) put(p *publicWS) {
	t.mu.Lock()
	t.m[p.id] = p
	t.mu.Unlock()
}

func (t *wsTable) get(id string) *publicWS {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[id]
}

func (t *wsTable) remove(p *publicWS) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[p.id]; ok && cur == p {
		delete(t.m, p.id)
		return true
	}
	return false
}

func (t *wsTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// closeAll empties the table, closing every socket it held.
func (t *wsTable) closeAll(code int, reason string) {
	t.mu.Lock()
	all := t.m
	t.m = make(map[string]*publicWS)
	t.mu.Unlock()
	for _, p := range all {
		p.close(code, reason)
		obs.LogicalConnections.WithLabelValues("ws").Dec()
	}
}

func (h *Hub) handleWS(t *httpTunnel, m *proto.WSMessage) {
	pc := t.pub.get(m.ConnectionID)
	if pc == nil {
		obs.DroppedEnvelopesTotal.WithLabelValues("unknown_connection").Inc()
		return
	}
	switch m.Type {
	case proto.WSOpenOK:
		pc.ack()
	case proto.WSText:
		pc.writeText(m.Text)
	case proto.WSBinary:
		pc.writeBinary(m.Data)
	case proto.WSClose, proto.WSError:
		if t.pub.remove(pc) {
			code := m.CloseCode
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			pc.close(code, m.CloseReason)
			obs.LogicalConnections.WithLabelValues("ws").Dec()
		}
	}
}

// proxyWebSocket relays a public WebSocket through tunnel t. Nothing is read
// from the public socket before the agent confirms with OPEN_OK.
func (h *Hub) proxyWebSocket(w http.ResponseWriter, r *http.Request, t *httpTunnel, path string) {
	conn := t.current()
	if conn == nil {
		http.Error(w, ErrChannelDetached.Error(), http.StatusBadGateway)
		return
	}
	ws, err := publicUpgrader.Upgrade(w, r, channel.EchoSubprotocol(r))
	if err != nil {
		obs.Debug("hub.ws.upgrade", obs.Fields{"tunnel": t.id, "err": err.Error()})
		return
	}
	// an oversized message closes this socket with 1009, not the channel
	ws.SetReadLimit(h.opts.MaxBodyBytes)
	pc := newPublicWS(ws)
	t.pub.put(pc)
	obs.LogicalConnections.WithLabelValues("ws").Inc()
	obs.ConnectionsTotal.WithLabelValues("ws").Inc()

	hdr := httpx.CloneWithout(r.Header, "Host")
	httpx.AugmentXFF(hdr, httpx.RemoteIP(r.RemoteAddr))
	if err := conn.Send(proto.NewOpen(pc.id, path, r.URL.RawQuery, httpx.Flatten(hdr))); err != nil {
		h.endPublicWS(t, pc, conn, websocket.CloseInternalServerErr, "tunnel unavailable", false)
		return
	}

	timer := time.NewTimer(h.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-pc.acked:
	case <-pc.done:
		return
	case <-timer.C:
		obs.ErrorsTotal.WithLabelValues("ws_open_timeout").Inc()
		h.endPublicWS(t, pc, conn, websocket.CloseInternalServerErr, "agent did not answer", true)
		return
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseGoingAway, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			h.endPublicWS(t, pc, conn, channel.WireCloseCode(code), reason, true)
			return
		}
		var env proto.Envelope
		switch mt {
		case websocket.TextMessage:
			env = proto.NewText(pc.id, string(data))
		case websocket.BinaryMessage:
			env = proto.NewBinary(pc.id, data)
		default:
			continue
		}
		if err := conn.Send(env); err != nil {
			obs.Debug("hub.ws.forward", obs.Fields{"tunnel": t.id, "conn": pc.id, "err": err.Error()})
		}
	}
}

// endPublicWS closes pc from the public side; the agent hears about it only
// if this call removed the entry.
func (h *Hub) endPublicWS(t *httpTunnel, pc *publicWS, conn *channel.Conn, code int, reason string, notify bool) {
	if !t.pub.remove(pc) {
		pc.close(code, reason)
		return
	}
	pc.close(code, reason)
	obs.LogicalConnections.WithLabelValues("ws").Dec()
	if notify {
		if err := conn.Send(proto.NewClose(pc.id, code, reason)); err != nil {
			obs.Debug("hub.ws.close", obs.Fields{"conn": pc.id, "err": err.Error()})
		}
	}
}
