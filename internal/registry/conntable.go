package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type connState int32

const (
	stateAccepted connState = iota
	stateOpenAcked
	stateRelaying
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "ACCEPTED"
	case stateOpenAcked:
		return "OPEN_ACKED"
	case stateRelaying:
		return "RELAYING"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// tcpConn is one public socket multiplexed over a tunnel. Only its pump reads
// from conn; writes come from the control read loop.
type tcpConn struct {
	id     string
	conn   net.Conn
	opened time.Time

	state     atomic.Int32
	bytesIn   atomic.Int64 // public -> agent
	bytesOut  atomic.Int64 // agent -> public
	closeOnce sync.Once
}

func newTCPConn(id string, c net.Conn) *tcpConn {
	tc := &tcpConn{id: id, conn: c, opened: time.Now()}
	tc.state.Store(int32(stateAccepted))
	return tc
}

func (c *tcpConn) getState() connState { return connState(c.state.Load()) }

func (c *tcpConn) transition(from, to connState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *tcpConn) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// connTable maps connection ids to live connections. Remove only succeeds for
// the exact entry the caller holds, so exactly one party wins a close race.
type connTable struct {
	mu sync.RWMutex
	m  map[string]*tcpConn
}

func newConnTable() *connTable {
	return &connTable{m: make(map[string]*tcpConn)}
}

func (t *connTable) put(c *tcpConn) {
	t.mu.Lock()
	t.m[c.id] = c
	t.mu.Unlock()
}

func (t *connTable) get(id string) *tcpConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[id]
}

func (t *connTable) remove(c *tcpConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[c.id]; ok && cur == c {
		delete(t.m, c.id)
		return true
	}
	return false
}

func (t *connTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// drain empties the table and returns what it held.
func (t *connTable) drain() []*tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tcpConn, 0, len(t.m))
	for id, c := range t.m {
		out = append(out, c)
		delete(t.m, id)
	}
	return out
}
