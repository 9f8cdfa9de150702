// Package state provides the durable tier shared by the cache and the tracer.
// SQLite backs single-node deployments, Redis backs shared ones.
package state

import (
	"context"
	"io"
	"time"
)

// Record is one namespaced value held by a DurableStore.
type Record struct {
	Namespace string
	Key       string
	Value     []byte
	// Attrs are indexed string attributes usable in Query filters.
	Attrs     map[string]string
	CreatedAt time.Time
	// ExpiresAt is zero for records that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Filter narrows Query results. Every attribute must match exactly.
type Filter struct {
	Attrs map[string]string
}

// KeyValueStore is the get/set/delete half of a durable store.
type KeyValueStore interface {
	// Get returns the record and true, or false when absent or expired.
	Get(ctx context.Context, ns, key string) (Record, bool, error)
	// Set inserts or replaces a record. CreatedAt defaults to now.
	Set(ctx context.Context, rec Record) error
	Delete(ctx context.Context, ns, key string) error
}

// Querier lists records of one namespace, newest first.
type Querier interface {
	Query(ctx context.Context, ns string, f Filter, limit int) ([]Record, error)
}

// Purger removes expired records.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// DurableStore defines the interface for the slow tier.
// It composes focused sub-interfaces so callers can depend on less.
type DurableStore interface {
	io.Closer
	KeyValueStore
	Querier
	Purger
	Ping(ctx context.Context) error
}

// Compile-time verification that both backends implement DurableStore.
var (
	_ DurableStore = (*DB)(nil)
	_ DurableStore = (*Redis)(nil)
)
