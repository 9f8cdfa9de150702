package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// runDurableStoreSuite checks behavior every DurableStore backend shares.
func runDurableStoreSuite(t *testing.T, open func(t *testing.T, clock func() time.Time) DurableStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := open(t, newFakeClock().Now)
		_, ok, err := s.Get(ctx, "cache", "nope")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Error("expected missing record")
		}
	})

	t.Run("set then get", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock.Now)

		rec := Record{
			Namespace: "traces",
			Key:       "t1",
			Value:     []byte(`{"status":"error"}`),
			Attrs:     map[string]string{"user_id": "u1", "status": "error"},
			ExpiresAt: clock.Now().Add(time.Hour),
		}
		if err := s.Set(ctx, rec); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		got, ok, err := s.Get(ctx, "traces", "t1")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if string(got.Value) != `{"status":"error"}` {
			t.Errorf("value = %q", got.Value)
		}
		if got.Attrs["user_id"] != "u1" {
			t.Errorf("attrs = %v", got.Attrs)
		}
		if !got.ExpiresAt.Equal(rec.ExpiresAt) {
			t.Errorf("expires_at = %v, want %v", got.ExpiresAt, rec.ExpiresAt)
		}
		if !got.CreatedAt.Equal(clock.Now()) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, clock.Now())
		}
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		s := open(t, newFakeClock().Now)
		if err := s.Set(ctx, Record{Namespace: "a", Key: "k", Value: []byte("1")}); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := s.Get(ctx, "b", "k"); ok {
			t.Error("record leaked across namespaces")
		}
	})

	t.Run("overwrite replaces attrs", func(t *testing.T) {
		s := open(t, newFakeClock().Now)
		s.Set(ctx, Record{Namespace: "n", Key: "k", Value: []byte("1"), Attrs: map[string]string{"status": "running"}})
		s.Set(ctx, Record{Namespace: "n", Key: "k", Value: []byte("2"), Attrs: map[string]string{"status": "success"}})

		got, ok, err := s.Get(ctx, "n", "k")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if string(got.Value) != "2" || got.Attrs["status"] != "success" {
			t.Errorf("got %q %v", got.Value, got.Attrs)
		}
	})

	t.Run("expired is absent", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock.Now)
		s.Set(ctx, Record{Namespace: "n", Key: "k", Value: []byte("1"), ExpiresAt: clock.Now().Add(time.Minute)})

		clock.Advance(2 * time.Minute)
		if _, ok, _ := s.Get(ctx, "n", "k"); ok {
			t.Error("expired record should be absent")
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t, newFakeClock().Now)
		s.Set(ctx, Record{Namespace: "n", Key: "k", Value: []byte("1")})
		if err := s.Delete(ctx, "n", "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "n", "k"); ok {
			t.Error("deleted record still present")
		}
		if err := s.Delete(ctx, "n", "k"); err != nil {
			t.Errorf("deleting an absent record should succeed: %v", err)
		}
	})

	t.Run("query newest first with filter and limit", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock.Now)

		for i, spec := range []struct{ key, user, status string }{
			{"t1", "u1", "success"},
			{"t2", "u2", "error"},
			{"t3", "u1", "error"},
			{"t4", "u1", "success"},
		} {
			clock.Advance(time.Second)
			err := s.Set(ctx, Record{
				Namespace: "traces",
				Key:       spec.key,
				Value:     []byte{byte(i)},
				Attrs:     map[string]string{"user_id": spec.user, "status": spec.status},
			})
			if err != nil {
				t.Fatalf("Set %s: %v", spec.key, err)
			}
		}

		all, err := s.Query(ctx, "traces", Filter{}, 0)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if keys := recordKeys(all); !equalStrings(keys, []string{"t4", "t3", "t2", "t1"}) {
			t.Errorf("all = %v", keys)
		}

		u1, _ := s.Query(ctx, "traces", Filter{Attrs: map[string]string{"user_id": "u1"}}, 2)
		if keys := recordKeys(u1); !equalStrings(keys, []string{"t4", "t3"}) {
			t.Errorf("u1 limit 2 = %v", keys)
		}

		errs, _ := s.Query(ctx, "traces", Filter{Attrs: map[string]string{"user_id": "u1", "status": "error"}}, 10)
		if keys := recordKeys(errs); !equalStrings(keys, []string{"t3"}) {
			t.Errorf("u1 errors = %v", keys)
		}
	})

	t.Run("query skips expired", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock.Now)
		s.Set(ctx, Record{Namespace: "n", Key: "short", Value: []byte("1"), ExpiresAt: clock.Now().Add(time.Minute)})
		s.Set(ctx, Record{Namespace: "n", Key: "long", Value: []byte("1"), ExpiresAt: clock.Now().Add(time.Hour)})

		clock.Advance(5 * time.Minute)
		got, err := s.Query(ctx, "n", Filter{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if keys := recordKeys(got); !equalStrings(keys, []string{"long"}) {
			t.Errorf("query = %v, want [long]", keys)
		}
	})

	t.Run("purge expired is idempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock.Now)
		s.Set(ctx, Record{Namespace: "n", Key: "a", Value: []byte("1"), ExpiresAt: clock.Now().Add(time.Minute)})
		s.Set(ctx, Record{Namespace: "n", Key: "b", Value: []byte("1")})

		clock.Advance(time.Hour)
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			t.Fatalf("PurgeExpired failed: %v", err)
		}
		if n != 1 {
			t.Errorf("first purge removed %d, want 1", n)
		}
		n, err = s.PurgeExpired(ctx)
		if err != nil {
			t.Fatalf("PurgeExpired failed: %v", err)
		}
		if n != 0 {
			t.Errorf("second purge removed %d, want 0", n)
		}
		if _, ok, _ := s.Get(ctx, "n", "b"); !ok {
			t.Error("non-expiring record was purged")
		}
	})
}

func recordKeys(recs []Record) []string {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
