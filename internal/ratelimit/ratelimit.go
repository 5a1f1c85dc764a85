package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config holds per-second limits. Zero disables a limit.
type Config struct {
	GlobalConnRate    int
	PerTunnelConnRate int
	GlobalReqRate     int
	PerTunnelReqRate  int
	Burst             int
}

// RateLimiter manages both global and per-tunnel rate limiting for accepted
// TCP connections and forwarded HTTP requests.
type RateLimiter struct {
	mu            sync.Mutex
	globalConn    *rate.Limiter
	globalReq     *rate.Limiter
	perTunnelConn map[string]*rate.Limiter
	perTunnelReq  map[string]*rate.Limiter
	connRate      rate.Limit
	reqRate       rate.Limit
	burst         int
}

// New creates a limiter from cfg. A nil *RateLimiter allows everything.
func New(cfg Config) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		perTunnelConn: make(map[string]*rate.Limiter),
		perTunnelReq:  make(map[string]*rate.Limiter),
		connRate:      rate.Limit(cfg.PerTunnelConnRate),
		reqRate:       rate.Limit(cfg.PerTunnelReqRate),
		burst:         burst,
	}
	if cfg.GlobalConnRate > 0 {
		rl.globalConn = rate.NewLimiter(rate.Limit(cfg.GlobalConnRate), burst)
	}
	if cfg.GlobalReqRate > 0 {
		rl.globalReq = rate.NewLimiter(rate.Limit(cfg.GlobalReqRate), burst)
	}
	return rl
}

// AllowConnection reports whether a new public connection to tunnelID may be accepted.
func (rl *RateLimiter) AllowConnection(tunnelID string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalConn, rl.perTunnelConn, rl.connRate, tunnelID)
}

// AllowRequest reports whether an HTTP request for tunnelID may be forwarded.
func (rl *RateLimiter) AllowRequest(tunnelID string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalReq, rl.perTunnelReq, rl.reqRate, tunnelID)
}

func (rl *RateLimiter) allow(global *rate.Limiter, per map[string]*rate.Limiter, r rate.Limit, tunnelID string) bool {
	// global first
	if global != nil && !global.Allow() {
		return false
	}
	if r <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := per[tunnelID]
	if !ok {
		lim = rate.NewLimiter(r, rl.burst)
		per[tunnelID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Forget drops the per-tunnel limiters of a closed tunnel.
func (rl *RateLimiter) Forget(tunnelID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.perTunnelConn, tunnelID)
	delete(rl.perTunnelReq, tunnelID)
	rl.mu.Unlock()
}

// CleanupExpiredTunnels removes limiters for tunnels that are no longer active.
func (rl *RateLimiter) CleanupExpiredTunnels(active map[string]bool) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id := range rl.perTunnelConn {
		if !active[id] {
			delete(rl.perTunnelConn, id)
		}
	}
	for id := range rl.perTunnelReq {
		if !active[id] {
			delete(rl.perTunnelReq, id)
		}
	}
}
