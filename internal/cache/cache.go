// Package cache implements the two-tier cache: a bounded, expiring in-process
// map in front of a durable store.
//
// Reads try the fast tier, then the durable tier, and warm the fast tier on a
// durable hit. Writes go to the durable tier first and reach the fast tier
// only when the durable write succeeded. When the fast tier is full, inserting
// a new key evicts the entry that expires soonest.
package cache

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/state"
)

// Namespaces used across the module.
const (
	NamespaceTraces   = "traces"
	NamespaceRoutes   = "routes"
	NamespaceSessions = "sessions"
)

// Observer receives cache events. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveCacheHit(ns, tier string)
	ObserveCacheMiss(ns string)
	ObserveCacheEviction(ns string)
	ObserveCacheSize(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveCacheHit(string, string) {}
func (nopObserver) ObserveCacheMiss(string)        {}
func (nopObserver) ObserveCacheEviction(string)    {}
func (nopObserver) ObserveCacheSize(int)           {}

// Options configures a Store.
type Options struct {
	MaxSize       int
	SweepInterval time.Duration
	// DefaultTTL applies to Set calls with ttl <= 0 and bounds how long a
	// non-expiring durable record stays in the fast tier.
	DefaultTTL time.Duration
	// Breaker wraps every durable call when set.
	Breaker  *breaker.Breaker
	Observer Observer
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Stats is a snapshot for the admin surface.
type Stats struct {
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Store is the two-tier cache.
type Store struct {
	durable state.DurableStore
	brk     *breaker.Breaker
	obs     Observer
	log     zerolog.Logger
	now     func() time.Time

	maxSize       int
	sweepInterval time.Duration
	defaultTTL    time.Duration

	mu    sync.Mutex
	items map[entryKey]*entry
	order expiryHeap
	// fills tracks durable read-throughs in flight per key. A write to the
	// key marks them stale so they do not populate the fast tier.
	fills map[entryKey]*fill

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	t       tomb.Tomb
	started atomic.Bool
}

// New creates a Store over durable. Call Start to run the background sweeper.
func New(durable state.DurableStore, opts Options) *Store {
	s := &Store{
		durable:       durable,
		brk:           opts.Breaker,
		obs:           opts.Observer,
		now:           opts.Now,
		maxSize:       opts.MaxSize,
		sweepInterval: opts.SweepInterval,
		defaultTTL:    opts.DefaultTTL,
		items:         make(map[entryKey]*entry),
		fills:         make(map[entryKey]*fill),
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxSize <= 0 {
		s.maxSize = 10000
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = 5 * time.Minute
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = time.Hour
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = logging.For("cache")
	}
	return s
}

// Start launches the background sweeper. It is safe to call once.
func (s *Store) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.t.Go(func() error {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		ctx := s.t.Context(context.Background())
		for {
			select {
			case <-s.t.Dying():
				return nil
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	})
}

// Close stops the sweeper and waits for it to exit. The durable store is
// owned by the caller and left open.
func (s *Store) Close() error {
	if !s.started.Load() {
		return nil
	}
	s.t.Kill(nil)
	return s.t.Wait()
}

// Get returns the value for (ns, key) and whether it was found.
// A durable-tier error is returned with found=false.
func (s *Store) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	id := entryKey{ns: ns, key: key}
	now := s.now()

	s.mu.Lock()
	if e, ok := s.items[id]; ok {
		if now.After(e.expiresAt) {
			s.removeLocked(e)
		} else {
			v := e.value
			s.mu.Unlock()
			s.hits.Add(1)
			s.obs.ObserveCacheHit(ns, "fast")
			return v, true, nil
		}
	}
	f := s.beginFillLocked(id)
	s.mu.Unlock()

	var rec state.Record
	var found bool
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		rec, found, err = s.durable.Get(ctx, ns, key)
		return err
	})
	hit := err == nil && found && !rec.Expired(now)

	var evicted *entry
	size := -1
	s.mu.Lock()
	stale := s.endFillLocked(id, f)
	if hit && !stale {
		expiresAt := rec.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = now.Add(s.defaultTTL)
		}
		evicted, size = s.putLocked(id, rec.Value, expiresAt)
	}
	s.mu.Unlock()
	s.observePut(evicted, size)

	if !hit {
		s.misses.Add(1)
		s.obs.ObserveCacheMiss(ns)
		if err != nil {
			return nil, false, fmt.Errorf("cache get %s/%s: %w", ns, key, err)
		}
		return nil, false, nil
	}
	s.hits.Add(1)
	s.obs.ObserveCacheHit(ns, "durable")
	return rec.Value, true, nil
}

// Set writes value through to the durable tier, then to the fast tier.
// ttl <= 0 uses the default TTL.
func (s *Store) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	return s.SetWithAttrs(ctx, ns, key, value, ttl, nil)
}

// SetWithAttrs is Set with indexed attributes recorded on the durable row,
// so the entry can later be found with Query.
func (s *Store) SetWithAttrs(ctx context.Context, ns, key string, value []byte, ttl time.Duration, attrs map[string]string) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	err := s.call(ctx, func(ctx context.Context) error {
		return s.durable.Set(ctx, state.Record{
			Namespace: ns,
			Key:       key,
			Value:     value,
			Attrs:     attrs,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		})
	})
	if err != nil {
		return fmt.Errorf("cache set %s/%s: %w", ns, key, err)
	}

	id := entryKey{ns: ns, key: key}
	s.mu.Lock()
	s.staleFillsLocked(id)
	evicted, size := s.putLocked(id, value, expiresAt)
	s.mu.Unlock()
	s.observePut(evicted, size)
	return nil
}

// Invalidate removes (ns, key) from both tiers. The fast tier is cleared
// again after the durable delete so a concurrent read-through cannot
// restore the old value.
func (s *Store) Invalidate(ctx context.Context, ns, key string) error {
	id := entryKey{ns: ns, key: key}
	s.dropLocal(id)

	err := s.call(ctx, func(ctx context.Context) error {
		return s.durable.Delete(ctx, ns, key)
	})
	s.dropLocal(id)
	if err != nil {
		return fmt.Errorf("cache invalidate %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Store) dropLocal(id entryKey) {
	s.mu.Lock()
	if e, ok := s.items[id]; ok {
		s.removeLocked(e)
	}
	s.staleFillsLocked(id)
	size := len(s.items)
	s.mu.Unlock()
	s.obs.ObserveCacheSize(size)
}

// Query lists durable records of ns, newest first.
func (s *Store) Query(ctx context.Context, ns string, f state.Filter, limit int) ([]state.Record, error) {
	var recs []state.Record
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		recs, err = s.durable.Query(ctx, ns, f, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cache query %s: %w", ns, err)
	}
	return recs, nil
}

// CleanupExpired removes expired fast-tier entries and returns how many it removed.
func (s *Store) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for len(s.order) > 0 && now.After(s.order[0].expiresAt) {
		e := heap.Pop(&s.order).(*entry)
		delete(s.items, e.id)
		removed++
	}
	size := len(s.items)
	s.mu.Unlock()

	if removed > 0 {
		s.obs.ObserveCacheSize(size)
	}
	return removed
}

// Sweep cleans the fast tier and purges expired durable rows. Failures are
// logged, never returned, so the sweeper keeps running.
func (s *Store) Sweep(ctx context.Context) {
	fast := s.CleanupExpired()

	var purged int64
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		purged, err = s.durable.PurgeExpired(ctx)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str(logging.EVENT, "sweep_failed").Int("fast_removed", fast).Msg("durable purge failed")
		return
	}
	s.log.Debug().Str(logging.EVENT, "sweep").Int("fast_removed", fast).Int64("durable_purged", purged).Msg("cache sweep")
}

// Stats returns a snapshot of sizes and counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	size := len(s.items)
	s.mu.Unlock()
	return Stats{
		Size:      size,
		MaxSize:   s.maxSize,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Len returns the fast-tier entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// fill is one generation of read-throughs for a key.
type fill struct {
	readers int
	stale   bool
}

func (s *Store) beginFillLocked(id entryKey) *fill {
	f, ok := s.fills[id]
	if !ok {
		f = &fill{}
		s.fills[id] = f
	}
	f.readers++
	return f
}

// endFillLocked releases f and reports whether a write happened while it
// was in flight.
func (s *Store) endFillLocked(id entryKey, f *fill) bool {
	f.readers--
	if f.readers == 0 && s.fills[id] == f {
		delete(s.fills, id)
	}
	return f.stale
}

// staleFillsLocked detaches the read-throughs in flight for id. Reads that
// start later get a fresh generation.
func (s *Store) staleFillsLocked(id entryKey) {
	if f, ok := s.fills[id]; ok {
		f.stale = true
		delete(s.fills, id)
	}
}

// putLocked inserts or refreshes a fast-tier entry, evicting the
// soonest-expiring entry when a new key would exceed capacity. size is -1
// when an existing entry was refreshed.
func (s *Store) putLocked(id entryKey, value []byte, expiresAt time.Time) (evicted *entry, size int) {
	if e, ok := s.items[id]; ok {
		e.value = value
		e.expiresAt = expiresAt
		heap.Fix(&s.order, e.index)
		return nil, -1
	}
	if len(s.items) >= s.maxSize {
		evicted = heap.Pop(&s.order).(*entry)
		delete(s.items, evicted.id)
	}
	e := &entry{id: id, value: value, expiresAt: expiresAt}
	heap.Push(&s.order, e)
	s.items[id] = e
	return evicted, len(s.items)
}

func (s *Store) observePut(evicted *entry, size int) {
	if evicted != nil {
		s.evictions.Add(1)
		s.obs.ObserveCacheEviction(evicted.id.ns)
	}
	if size >= 0 {
		s.obs.ObserveCacheSize(size)
	}
}

func (s *Store) removeLocked(e *entry) {
	heap.Remove(&s.order, e.index)
	delete(s.items, e.id)
}

func (s *Store) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.brk == nil {
		return fn(ctx)
	}
	return s.brk.Call(ctx, fn)
}

// GetJSON decodes a cached JSON value into T.
func GetJSON[T any](ctx context.Context, s *Store, ns, key string) (T, bool, error) {
	var out T
	raw, ok, err := s.Get(ctx, ns, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	return out, true, nil
}

// SetJSON encodes v as JSON and stores it.
func SetJSON(ctx context.Context, s *Store, ns, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	return s.Set(ctx, ns, key, raw, ttl)
}
