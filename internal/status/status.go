// Package status reports tunnel lifecycle transitions (connected, heartbeat,
// closed) to a tracking backend. The tunnel core only writes here; it never
// routes on what it reads back.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/matst80/portmux/internal/obs"
)

// State of a tunnel as seen by the tracker.
type State string

const (
	StatePending   State = "PENDING"
	StateConnected State = "CONNECTED"
	StateClosed    State = "CLOSED"
)

// Record is the tracked view of one tunnel.
type Record struct {
	TunnelID      string    `json:"tunnel_id"`
	State         State     `json:"state"`
	Instance      string    `json:"instance,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
}

// Counts summarises the tunnels tracked by this instance.
type Counts struct {
	Connected  int   `json:"connected"`
	Closed     int   `json:"closed"`
	Heartbeats int64 `json:"heartbeats"`
}

// Tracker receives status transitions.
type Tracker interface {
	Connected(ctx context.Context, tunnelID string) error
	Heartbeat(ctx context.Context, tunnelID string) error
	Closed(ctx context.Context, tunnelID string) error
	// Get returns nil without error for unknown tunnels.
	Get(ctx context.Context, tunnelID string) (*Record, error)
	Counts() Counts
}

// New returns a Redis backed tracker when redisAddr is set, otherwise an
// in-memory one.
func New(redisAddr, redisPassword string, redisDB int) (Tracker, error) {
	if redisAddr == "" {
		obs.Info("status.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryTracker(), nil
	}
	obs.Info("status.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisTracker(redisAddr, redisPassword, redisDB)
}

// MemoryTracker keeps records in process.
type MemoryTracker struct {
	mu         sync.Mutex
	records    map[string]*Record
	heartbeats int64
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]*Record)}
}

func (m *MemoryTracker) Connected(_ context.Context, tunnelID string) error {
	now := time.Now()
	m.mu.Lock()
	m.records[tunnelID] = &Record{TunnelID: tunnelID, State: StateConnected, ConnectedAt: now, LastHeartbeat: now}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Heartbeat(_ context.Context, tunnelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tunnelID]
	if !ok {
		return nil
	}
	r.LastHeartbeat = time.Now()
	m.heartbeats++
	return nil
}

func (m *MemoryTracker) Closed(_ context.Context, tunnelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tunnelID]
	if !ok {
		r = &Record{TunnelID: tunnelID}
		m.records[tunnelID] = r
	}
	r.State = StateClosed
	r.ClosedAt = time.Now()
	return nil
}

func (m *MemoryTracker) Get(_ context.Context, tunnelID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tunnelID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryTracker) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counts{Heartbeats: m.heartbeats}
	for _, r := range m.records {
		switch r.State {
		case StateConnected:
			c.Connected++
		case StateClosed:
			c.Closed++
		}
	}
	return c
}
