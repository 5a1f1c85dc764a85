package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

// localTCP is a raw TCP connection to the local target.
type localTCP struct {
	id        string
	conn      net.Conn
	sent      atomic.Int64
	received  atomic.Int64
	closeOnce sync.Once
}

func (l *localTCP) writeText(text string) error { return l.writeBinary([]byte(text)) }

func (l *localTCP) writeBinary(data []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	n, err := l.conn.Write(data)
	l.received.Add(int64(n))
	return err
}

func (l *localTCP) close(int, string) {
	l.closeOnce.Do(func() { _ = l.conn.Close() })
}

func (a *Agent) openTCP(ctx context.Context, out channel.Sender, m *proto.WSMessage) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", a.cfg.LocalAddr())
	if err != nil {
		obs.Debug("agent.tcp.dial", obs.Fields{"conn": m.ConnectionID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("local_tcp_dial").Inc()
		if a.abandon(m.ConnectionID) {
			reportClose(out, m.ConnectionID, 1011, err.Error())
		}
		return
	}
	l := &localTCP{id: m.ConnectionID, conn: c}
	if !a.register(l.id, l) {
		l.close(0, "")
		return
	}
	if err := out.Send(proto.NewOpenOK(l.id)); err != nil {
		obs.Debug("agent.tcp.open_ok", obs.Fields{"conn": l.id, "err": err.Error()})
	}
	go a.pumpTCP(out, l)
}

// pumpTCP is the single reader of a local TCP connection.
func (a *Agent) pumpTCP(out channel.Sender, l *localTCP) {
	buf := make([]byte, 32<<10)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.sent.Add(int64(n))
			payload := append([]byte(nil), buf[:n]...)
			if serr := out.Send(&proto.BinaryFrame{ConnectionID: l.id, Payload: payload}); serr != nil {
				obs.Debug("agent.tcp.forward", obs.Fields{"conn": l.id, "err": serr.Error()})
			}
		}
		if err != nil {
			if a.remove(l.id, l) {
				l.close(0, "")
				code, reason := 1000, ""
				if !errors.Is(err, io.EOF) {
					code, reason = 1011, err.Error()
				}
				reportClose(out, l.id, code, reason)
				obs.Debug("agent.tcp.closed", obs.Fields{
					"conn":     l.id,
					"sent":     sizestr.ToString(l.sent.Load()),
					"received": sizestr.ToString(l.received.Load()),
				})
			}
			return
		}
	}
}
