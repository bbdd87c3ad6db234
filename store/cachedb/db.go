// Package cachedb provides the durable response cache using bbolt.
// Entries live in named partitions so domain caches ("dashboard",
// "purchase-orders") can be sized and cleared independently of the
// generic HTTP partition.
package cachedb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry does not exist. Expired and
// undecodable entries are reported the same way so callers always see
// a plain miss.
var ErrNotFound = errors.New("cachedb: not found")

// Store is the cache store contract used by the proxy and sweeper.
type Store interface {
	// Put upserts an entry in the partition, atomically replacing any
	// previous value for its key.
	Put(ctx context.Context, partition string, e *Entry) error

	// Get retrieves an entry. Returns ErrNotFound on miss.
	Get(ctx context.Context, partition, key string) (*Entry, error)

	// Delete removes an entry. Idempotent.
	Delete(ctx context.Context, partition, key string) error

	// MarkStaleServed flags an entry as having been served as a stale
	// fallback, in a single transaction.
	MarkStaleServed(ctx context.Context, partition, key string) error

	// Keys returns all keys in a partition.
	Keys(ctx context.Context, partition string) ([]string, error)

	// Partitions returns the names of all partitions.
	Partitions(ctx context.Context) ([]string, error)

	// SizeOf returns approximate stored bytes and item count for a
	// partition.
	SizeOf(ctx context.Context, partition string) (Usage, error)

	// Infos returns summary metadata for every entry, for the sweeper.
	Infos(ctx context.Context) ([]Info, error)

	// DeleteURLPrefix removes entries across all partitions whose
	// request path starts with prefix. Returns the number deleted.
	DeleteURLPrefix(ctx context.Context, prefix string) (int, error)

	// Clear empties one partition; ClearAll empties every partition.
	Clear(ctx context.Context, partition string) error
	ClearAll(ctx context.Context) error
}
