package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "test")
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedis_DurableStore(t *testing.T) {
	runDurableStoreSuite(t, func(t *testing.T, clock func() time.Time) DurableStore {
		r, _ := newTestRedis(t)
		r.now = clock
		return r
	})
}

func TestNewRedis_EmptyURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "  ", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestRedis_SetsServerTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	now := time.Now()
	r.now = func() time.Time { return now }

	err := r.Set(context.Background(), Record{Namespace: "cache", Key: "k", Value: []byte("v"), ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := mr.TTL("test:r:cache:k"); ttl != time.Minute {
		t.Errorf("server ttl = %v, want 1m", ttl)
	}
}

func TestRedis_QueryDropsServerExpiredIndexEntries(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Set(ctx, Record{Namespace: "traces", Key: "gone", Value: []byte("1"), ExpiresAt: now.Add(time.Second)})
	r.Set(ctx, Record{Namespace: "traces", Key: "kept", Value: []byte("1")})

	mr.FastForward(2 * time.Second)

	got, err := r.Query(ctx, "traces", Filter{}, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if keys := recordKeys(got); !equalStrings(keys, []string{"kept"}) {
		t.Errorf("query = %v, want [kept]", keys)
	}
	if members, _ := mr.ZMembers("test:idx:traces"); len(members) != 1 {
		t.Errorf("index members = %v, want only kept", members)
	}
}
