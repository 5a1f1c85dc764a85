package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseTracker(t *testing.T, tr Tracker) {
	t.Helper()
	ctx := context.Background()

	if rec, err := tr.Get(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("Get(missing) = %v, %v", rec, err)
	}
	if err := tr.Connected(ctx, "t1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	rec, err := tr.Get(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("Get(t1) = %v, %v", rec, err)
	}
	if rec.State != StateConnected || rec.ConnectedAt.IsZero() {
		t.Errorf("unexpected record after connect: %+v", rec)
	}
	before := rec.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	if err := tr.Heartbeat(ctx, "t1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rec, _ = tr.Get(ctx, "t1")
	if !rec.LastHeartbeat.After(before) {
		t.Errorf("heartbeat did not advance: %v -> %v", before, rec.LastHeartbeat)
	}
	if c := tr.Counts(); c.Connected != 1 || c.Heartbeats != 1 {
		t.Errorf("counts after heartbeat = %+v", c)
	}
	if err := tr.Closed(ctx, "t1"); err != nil {
		t.Fatalf("closed: %v", err)
	}
	rec, _ = tr.Get(ctx, "t1")
	if rec.State != StateClosed || rec.ClosedAt.IsZero() {
		t.Errorf("unexpected record after close: %+v", rec)
	}
	if c := tr.Counts(); c.Connected != 0 || c.Closed != 1 {
		t.Errorf("counts after close = %+v", c)
	}
	// heartbeat for an unknown tunnel is ignored
	if err := tr.Heartbeat(ctx, "ghost"); err != nil {
		t.Errorf("heartbeat ghost: %v", err)
	}
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewMemoryTracker())
}

func TestRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	tr, err := NewRedisTracker(mr.Addr(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	exerciseTracker(t, tr)

	if mr.Exists(instanceKey("t1")) {
		t.Error("instance key should be removed on close")
	}
	if ttl := mr.TTL(tunnelKey("t1")); ttl <= 0 {
		t.Errorf("tunnel key should keep a TTL, got %v", ttl)
	}
}

func TestRedisTrackerRefreshExtendsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newRedisTracker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer tr.Close()
	ctx := context.Background()
	if err := tr.Connected(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(23 * time.Hour)
	tr.refresh(ctx)
	if ttl := mr.TTL(tunnelKey("t2")); ttl < 23*time.Hour {
		t.Errorf("ttl not refreshed: %v", ttl)
	}
	if owner, _ := mr.Get(instanceKey("t2")); owner != tr.instanceID {
		t.Errorf("instance owner = %q, want %q", owner, tr.instanceID)
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	tr, err := New("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*MemoryTracker); !ok {
		t.Errorf("expected memory tracker, got %T", tr)
	}
}
