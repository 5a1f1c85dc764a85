package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
	"github.com/matst80/portmux/internal/registry"
	"github.com/matst80/portmux/internal/route"
	"github.com/matst80/portmux/internal/status"
)

func bearerOK(r *http.Request, token string) bool {
	return token == "" || r.Header.Get("Authorization") == "Bearer "+token
}

// NetHandler is the control endpoint /api/net-tunnel/{tunnelId} of TCP tunnels.
type NetHandler struct {
	Registry *registry.Registry
	Tracker  status.Tracker
	Token    string
	Channel  channel.Options

	mu    sync.Mutex
	conns map[string]*channel.Conn
}

// attach makes conn the control channel of id and returns the one it replaced.
func (n *NetHandler) attach(id string, conn *channel.Conn) *channel.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns == nil {
		n.conns = make(map[string]*channel.Conn)
	}
	n.Registry.Attach(id, conn)
	prev := n.conns[id]
	n.conns[id] = conn
	return prev
}

// release forgets conn and reports whether it was still the tunnel's channel.
func (n *NetHandler) release(id string, conn *channel.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[id] != conn {
		return false
	}
	delete(n.conns, id)
	return true
}

func (n *NetHandler) tracker() status.Tracker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Tracker == nil {
		n.Tracker = status.NewMemoryTracker()
	}
	return n.Tracker
}

func (n *NetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := route.TunnelIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid tunnel id", http.StatusBadRequest)
		return
	}
	if !bearerOK(r, n.Token) {
		obs.ErrorsTotal.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := channel.Upgrade(w, r, n.Channel)
	if err != nil {
		obs.Error("net.upgrade", obs.Fields{"tunnel": id, "err": err.Error()})
		return
	}
	tr := n.tracker()
	if prev := n.attach(id, conn); prev != nil {
		obs.Info("net.replace", obs.Fields{"tunnel": id, "old": prev.RemoteAddr()})
		_ = prev.Close()
	}
	ctx := r.Context()
	if err := tr.Connected(ctx, id); err != nil {
		obs.Error("net.status.connected", obs.Fields{"tunnel": id, "err": err.Error()})
	}

	err = conn.Serve(ctx, func(env proto.Envelope) {
		if m, ok := env.(*proto.ControlMessage); ok {
			if m.Type == proto.ControlPing {
				if serr := conn.Send(proto.NewPong()); serr != nil {
					obs.Debug("net.pong", obs.Fields{"tunnel": id, "err": serr.Error()})
				}
				if herr := tr.Heartbeat(ctx, id); herr != nil {
					obs.Debug("net.status.heartbeat", obs.Fields{"tunnel": id, "err": herr.Error()})
				}
			}
			return
		}
		n.Registry.HandleEnvelope(id, env)
	})
	n.Registry.Detach(conn)
	if n.release(id, conn) {
		if serr := tr.Closed(context.Background(), id); serr != nil {
			obs.Error("net.status.closed", obs.Fields{"tunnel": id, "err": serr.Error()})
		}
	}
	f := obs.Fields{"tunnel": id}
	if err != nil {
		f["err"] = err.Error()
	}
	obs.Info("net.detach", f)
}

// ExposeResponse is the body returned by ExposeHandler.
type ExposeResponse struct {
	TunnelID   string `json:"tunnelId"`
	PublicHost string `json:"publicHost"`
	PublicPort int    `json:"publicPort"`
}

// ExposeHandler opens (POST) or tears down (DELETE) the public listener of a
// TCP tunnel at /api/expose/tcp/{tunnelId}.
type ExposeHandler struct {
	Registry   *registry.Registry
	PublicHost string
	Token      string
}

func (e *ExposeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := route.TunnelIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid tunnel id", http.StatusBadRequest)
		return
	}
	if !bearerOK(r, e.Token) {
		obs.ErrorsTotal.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		port, err := e.Registry.Expose(id)
		if err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, registry.ErrListenerBind) {
				code = http.StatusInternalServerError
			}
			obs.Error("expose.failed", obs.Fields{"tunnel": id, "err": err.Error()})
			http.Error(w, err.Error(), code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ExposeResponse{TunnelID: id, PublicHost: e.PublicHost, PublicPort: port})
	case http.MethodDelete:
		e.Registry.Close(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Handler routes the relay's control endpoints and falls back to the public
// ingress. Requests addressed to a tunnel subdomain always go to the ingress.
func Handler(hub *Hub, tcp *NetHandler, expose *ExposeHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/http-tunnel/", hub.ServeHTTPTunnel)
	mux.Handle("/api/net-tunnel/", tcp)
	mux.Handle("/api/expose/tcp/", expose)
	mux.HandleFunc("/", hub.ServePublic)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hub.IsPublic(r) {
			hub.ServePublic(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
