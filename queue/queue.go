// Package queue provides the durable FIFO mutation queue. Writes
// deferred while offline are recorded here and replayed by the sync
// coordinator once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// bucketMutations holds queued mutations keyed by id. Ids start with a
// zero-padded millisecond timestamp, so bolt's byte ordering is the
// FIFO replay order.
var bucketMutations = []byte("mutations")

// Mutation is one deferred write, carrying everything needed to replay
// the original request.
type Mutation struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retry_count"`
}

// Queue is the bbolt-backed mutation queue. It shares the cache
// store's database file, owning the mutations bucket. Every operation
// is one bolt transaction, so read-modify-write sequences such as
// IncrementRetry cannot lose updates across instances sharing the file.
type Queue struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// seq orders enqueues that land in the same millisecond.
	seq atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue over the given bolt database.
func New(db *bbolt.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.newID == nil {
		// zero-padded millis, then a process-local counter so rapid
		// enqueues within one millisecond still sort in insertion
		// order, then a uuid suffix against cross-process collisions
		q.newID = func() string {
			return fmt.Sprintf("%013d-%06d-%s", q.now().UnixMilli(), q.seq.Add(1)%1_000_000, uuid.NewString()[:8])
		}
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMutations)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating mutations bucket: %w", err)
	}
	return q, nil
}

// Enqueue appends a mutation and returns its assigned id. The id and
// timestamp fields of m are set by the queue; there is no size cap, a
// full queue never drops older entries.
func (q *Queue) Enqueue(_ context.Context, m *Mutation) (string, error) {
	m.ID = q.newID()
	m.Timestamp = q.now()
	m.RetryCount = 0

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling mutation: %w", err)
	}

	err = q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket == nil {
			return fmt.Errorf("mutations bucket not found")
		}
		return bucket.Put([]byte(m.ID), data)
	})
	if err != nil {
		return "", err
	}

	q.logger.Debug("queued mutation",
		"id", m.ID,
		"method", m.Method,
		"url", m.URL,
	)
	return m.ID, nil
}

// List returns all pending mutations oldest first. Undecodable records
// are skipped so a corrupt entry degrades to an empty slot rather than
// failing the whole listing.
func (q *Queue) List(_ context.Context) ([]Mutation, error) {
	var mutations []Mutation
	err := q.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var m Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				q.logger.Warn("skipping undecodable mutation", "id", string(k), "error", err)
				return nil
			}
			mutations = append(mutations, m)
			return nil
		})
	})
	return mutations, err
}

// Remove deletes a mutation by id. Removing an absent id is a no-op.
func (q *Queue) Remove(_ context.Context, id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// IncrementRetry bumps the retry counter for a mutation and returns
// the new count. Incrementing an absent id is a no-op returning 0.
func (q *Queue) IncrementRetry(_ context.Context, id string) (int, error) {
	var count int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket == nil {
			return nil
		}
		val := bucket.Get([]byte(id))
		if val == nil {
			return nil
		}

		var m Mutation
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("unmarshaling mutation: %w", err)
		}
		m.RetryCount++
		count = m.RetryCount

		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
	return count, err
}

// Len returns the number of pending mutations.
func (q *Queue) Len(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}
