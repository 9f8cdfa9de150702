package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a DurableStore backed by a Redis server. Each record is a JSON
// string key with a native TTL. Per-namespace sorted sets, scored in unix
// milliseconds, index records by creation time and by expiry.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type redisRecord struct {
	Value     []byte            `json:"v"`
	Attrs     map[string]string `json:"a,omitempty"`
	CreatedAt int64             `json:"c"`
	ExpiresAt int64             `json:"e,omitempty"`
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if prefix == "" {
		prefix = "switchboard"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) recordKey(ns, key string) string { return r.prefix + ":r:" + ns + ":" + key }
func (r *Redis) createdKey(ns string) string     { return r.prefix + ":idx:" + ns }
func (r *Redis) expiryKey(ns string) string      { return r.prefix + ":exp:" + ns }

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping verifies the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get retrieves a record. Expired or missing keys are reported as absent.
func (r *Redis) Get(ctx context.Context, ns, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, r.recordKey(ns, key)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	rec, err := decodeRedisRecord(ns, key, raw)
	if err != nil {
		return Record{}, false, err
	}
	if rec.Expired(r.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Set writes the record and updates the namespace indexes in one transaction.
func (r *Redis) Set(ctx context.Context, rec Record) error {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(now)
		if ttl <= 0 {
			// Already expired: make sure no stale copy survives.
			return r.Delete(ctx, rec.Namespace, rec.Key)
		}
	}

	payload, err := json.Marshal(redisRecord{
		Value:     rec.Value,
		Attrs:     rec.Attrs,
		CreatedAt: toNanos(rec.CreatedAt),
		ExpiresAt: toNanos(rec.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.recordKey(rec.Namespace, rec.Key), payload, ttl)
		p.ZAdd(ctx, r.createdKey(rec.Namespace), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.Key,
		})
		if rec.ExpiresAt.IsZero() {
			p.ZRem(ctx, r.expiryKey(rec.Namespace), rec.Key)
		} else {
			p.ZAdd(ctx, r.expiryKey(rec.Namespace), redis.Z{
				Score:  float64(rec.ExpiresAt.UnixMilli()),
				Member: rec.Key,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a record and its index entries.
func (r *Redis) Delete(ctx context.Context, ns, key string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.recordKey(ns, key))
		p.ZRem(ctx, r.createdKey(ns), key)
		p.ZRem(ctx, r.expiryKey(ns), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Query walks the creation index newest first, filtering attributes client side.
func (r *Redis) Query(ctx context.Context, ns string, f Filter, limit int) ([]Record, error) {
	const page = 100
	now := r.now()

	var out []Record
	var stale []any
	for start := int64(0); ; start += page {
		keys, err := r.client.ZRevRange(ctx, r.createdKey(ns), start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query index: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = r.recordKey(ns, k)
		}
		values, err := r.client.MGet(ctx, full...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query records: %w", err)
		}

		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				stale = append(stale, keys[i])
				continue
			}
			rec, err := decodeRedisRecord(ns, keys[i], []byte(s))
			if err != nil {
				return nil, err
			}
			if rec.Expired(now) || !matchAttrs(rec.Attrs, f.Attrs) {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				r.dropStale(ctx, ns, stale)
				return out, nil
			}
		}
		if len(keys) < page {
			break
		}
	}
	r.dropStale(ctx, ns, stale)
	return out, nil
}

// dropStale removes index entries whose record already expired server side.
func (r *Redis) dropStale(ctx context.Context, ns string, keys []any) {
	if len(keys) == 0 {
		return
	}
	r.client.ZRem(ctx, r.createdKey(ns), keys...)
	r.client.ZRem(ctx, r.expiryKey(ns), keys...)
}

// PurgeExpired removes expired records from every namespace.
func (r *Redis) PurgeExpired(ctx context.Context) (int64, error) {
	maxScore := strconv.FormatInt(r.now().UnixMilli(), 10)
	var purged int64

	iter := r.client.Scan(ctx, 0, r.prefix+":exp:*", 100).Iterator()
	for iter.Next(ctx) {
		expKey := iter.Val()
		ns := strings.TrimPrefix(expKey, r.prefix+":exp:")

		keys, err := r.client.ZRangeByScore(ctx, expKey, &redis.ZRangeBy{Min: "1", Max: maxScore}).Result()
		if err != nil {
			return purged, fmt.Errorf("redis purge scan %s: %w", ns, err)
		}
		for _, k := range keys {
			if err := r.Delete(ctx, ns, k); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redis purge: %w", err)
	}
	return purged, nil
}

func decodeRedisRecord(ns, key string, raw []byte) (Record, error) {
	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Record{}, fmt.Errorf("decode record %s/%s: %w", ns, key, err)
	}
	return Record{
		Namespace: ns,
		Key:       key,
		Value:     rr.Value,
		Attrs:     rr.Attrs,
		CreatedAt: fromNanos(rr.CreatedAt),
		ExpiresAt: fromNanos(rr.ExpiresAt),
	}, nil
}

func matchAttrs(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
