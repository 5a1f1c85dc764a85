package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/httpx"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

// localWS is a WebSocket opened against the local target on behalf of a
// public client.
type localWS struct {
	id        string
	ws        *websocket.Conn
	wmu       sync.Mutex
	closeOnce sync.Once
}

func (l *localWS) write(mt int, data []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.ws.WriteMessage(mt, data)
}

func (l *localWS) writeText(text string) error { return l.write(websocket.TextMessage, []byte(text)) }

func (l *localWS) writeBinary(data []byte) error { return l.write(websocket.BinaryMessage, data) }

func (l *localWS) close(code int, reason string) {
	l.closeOnce.Do(func() {
		l.wmu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(channel.WireCloseCode(code), truncateReason(reason)), time.Now().Add(time.Second))
		l.wmu.Unlock()
		_ = l.ws.Close()
	})
}

func (a *Agent) openWS(ctx context.Context, out channel.Sender, m *proto.WSMessage) {
	scheme := "ws"
	if a.cfg.LocalScheme == "https" {
		scheme = "wss"
	}
	target := a.localURL(scheme, m.Path, m.Query)
	ws, _, err := a.wsDialer.DialContext(ctx, target, httpx.ExpandForDial(m.Headers))
	if err != nil {
		obs.Debug("agent.ws.dial", obs.Fields{"conn": m.ConnectionID, "target": target, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("local_ws_dial").Inc()
		if a.abandon(m.ConnectionID) {
			reportClose(out, m.ConnectionID, websocket.CloseInternalServerErr, err.Error())
		}
		return
	}
	ws.SetReadLimit(a.cfg.MaxBodyBytes)
	l := &localWS{id: m.ConnectionID, ws: ws}
	if !a.register(l.id, l) {
		// the public side went away while dialing
		l.close(websocket.CloseGoingAway, "")
		return
	}
	if err := out.Send(proto.NewOpenOK(l.id)); err != nil {
		obs.Debug("agent.ws.open_ok", obs.Fields{"conn": l.id, "err": err.Error()})
	}
	go a.readLocalWS(out, l)
}

// readLocalWS is the single reader of a local WebSocket.
func (a *Agent) readLocalWS(out channel.Sender, l *localWS) {
	for {
		mt, data, err := l.ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseInternalServerErr, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = channel.WireCloseCode(ce.Code), ce.Text
			}
			if a.remove(l.id, l) {
				l.close(code, reason)
				reportClose(out, l.id, code, reason)
			}
			return
		}
		var env proto.Envelope
		switch mt {
		case websocket.TextMessage:
			env = proto.NewText(l.id, string(data))
		case websocket.BinaryMessage:
			env = proto.NewBinary(l.id, data)
		default:
			continue
		}
		if err := out.Send(env); err != nil {
			obs.Debug("agent.ws.forward", obs.Fields{"conn": l.id, "err": err.Error()})
		}
	}
}

// truncateReason keeps a close reason within the 123 bytes a control frame allows.
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
