package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/portmux/internal/obs"
	"github.com/redis/go-redis/v9"
)

// RedisTracker stores records in Redis so several relay instances share one
// view. It remembers which tunnels this instance owns to refresh their TTLs.
type RedisTracker struct {
	client     *redis.Client
	instanceID string

	mu         sync.Mutex
	owned      map[string]*Record
	closed     int
	heartbeats int64

	// maintenance configuration
	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker connects and pings Redis.
func NewRedisTracker(addr, password string, db int) (*RedisTracker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisTracker(rdb), nil
}

func newRedisTracker(rdb *redis.Client) *RedisTracker {
	return &RedisTracker{
		client:            rdb,
		instanceID:        fmt.Sprintf("portmux-%d", time.Now().UnixNano()),
		owned:             make(map[string]*Record),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            24 * time.Hour,
	}
}

func tunnelKey(id string) string   { return "tunnel:" + id }
func instanceKey(id string) string { return "instance:" + id }

func (r *RedisTracker) put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tunnel record: %w", err)
	}
	if err := r.client.Set(ctx, tunnelKey(rec.TunnelID), data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisTracker) Connected(ctx context.Context, tunnelID string) error {
	now := time.Now().UTC()
	rec := &Record{TunnelID: tunnelID, State: StateConnected, Instance: r.instanceID, ConnectedAt: now, LastHeartbeat: now}
	if err := r.put(ctx, rec); err != nil {
		return err
	}
	if err := r.client.Set(ctx, instanceKey(tunnelID), r.instanceID, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis instance map failed: %w", err)
	}
	r.mu.Lock()
	r.owned[tunnelID] = rec
	r.mu.Unlock()
	return nil
}

func (r *RedisTracker) Heartbeat(ctx context.Context, tunnelID string) error {
	r.mu.Lock()
	rec, ok := r.owned[tunnelID]
	if ok {
		rec.LastHeartbeat = time.Now().UTC()
		r.heartbeats++
	}
	var cp Record
	if ok {
		cp = *rec
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.put(ctx, &cp); err != nil {
		return err
	}
	return r.client.Expire(ctx, instanceKey(tunnelID), r.keyTTL).Err()
}

func (r *RedisTracker) Closed(ctx context.Context, tunnelID string) error {
	r.mu.Lock()
	rec, ok := r.owned[tunnelID]
	delete(r.owned, tunnelID)
	r.closed++
	r.mu.Unlock()
	if !ok {
		rec = &Record{TunnelID: tunnelID, Instance: r.instanceID}
	}
	cp := *rec
	cp.State = StateClosed
	cp.ClosedAt = time.Now().UTC()
	pipe := r.client.Pipeline()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal tunnel record: %w", err)
	}
	pipe.Set(ctx, tunnelKey(tunnelID), data, r.keyTTL)
	pipe.Del(ctx, instanceKey(tunnelID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis close tunnel: %w", err)
	}
	return nil
}

func (r *RedisTracker) Get(ctx context.Context, tunnelID string) (*Record, error) {
	val, err := r.client.Get(ctx, tunnelKey(tunnelID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get tunnel: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal tunnel record: %w", err)
	}
	return &rec, nil
}

// Counts reports locally owned tunnels; a cluster wide count would need SCAN.
func (r *RedisTracker) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Counts{Connected: len(r.owned), Closed: r.closed, Heartbeats: r.heartbeats}
}

// StartMaintenance periodically extends the TTL of locally owned tunnels until ctx is done.
func (r *RedisTracker) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RedisTracker) refresh(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.client.Expire(ctx, tunnelKey(id), r.keyTTL).Err(); err != nil {
			obs.Error("redis.refresh.tunnel", obs.Fields{"err": err.Error(), "tunnel": id})
		}
		if err := r.client.Expire(ctx, instanceKey(id), r.keyTTL).Err(); err != nil {
			obs.Error("redis.refresh.instance", obs.Fields{"err": err.Error(), "tunnel": id})
		}
	}
}

// Close releases the Redis client.
func (r *RedisTracker) Close() error { return r.client.Close() }
