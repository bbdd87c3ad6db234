package cachedb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

// partitionPrefix namespaces partition buckets inside the shared bolt
// file; the mutation queue owns its own bucket alongside them.
const partitionPrefix = "cache:"

// BoltDB implements Store using bbolt. Entries are stored as
// zstd-compressed JSON, one bucket per partition. All operations run
// in a single bolt transaction, so readers never observe a torn entry
// and per-key writes are atomic across processes sharing the file.
type BoltDB struct {
	db     *bbolt.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
	now    func() time.Time
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// NewBoltDB creates a new BoltDB instance with options. Call Open
// before use.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	b.enc = enc
	b.dec = dec

	b.logger.Debug("opened cachedb", "path", path)
	return nil
}

// Close closes the database and releases codec resources.
func (b *BoltDB) Close() error {
	if b.enc != nil {
		_ = b.enc.Close()
		b.enc = nil
	}
	if b.dec != nil {
		b.dec.Close()
		b.dec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cachedb")
	return b.db.Close()
}

// Bolt returns the underlying bbolt database. The mutation queue uses
// it to manage its own bucket in the same file.
func (b *BoltDB) Bolt() *bbolt.DB {
	return b.db
}

func bucketName(partition string) []byte {
	return []byte(partitionPrefix + partition)
}

// Put upserts an entry in the partition.
func (b *BoltDB) Put(_ context.Context, partition string, e *Entry) error {
	if e.Key == "" {
		return fmt.Errorf("entry key is empty")
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = b.now()
	}
	if e.Source == "" {
		e.Source = SourceNetwork
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	compressed := b.enc.EncodeAll(data, nil)

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(partition))
		if err != nil {
			return fmt.Errorf("creating partition %s: %w", partition, err)
		}
		return bucket.Put([]byte(e.Key), compressed)
	})
}

// Get retrieves an entry by key. Undecodable values degrade to a miss.
func (b *BoltDB) Get(_ context.Context, partition, key string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(partition))
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		e, err := b.decodeEntry(val)
		if err != nil {
			b.logger.Warn("dropping undecodable cache entry",
				"partition", partition,
				"key", key,
				"error", err)
			return ErrNotFound
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes an entry. Missing keys are not an error.
func (b *BoltDB) Delete(_ context.Context, partition, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(partition))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// MarkStaleServed performs the read-modify-write in one transaction so
// concurrent instances never lose the flag.
func (b *BoltDB) MarkStaleServed(_ context.Context, partition, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(partition))
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		e, err := b.decodeEntry(val)
		if err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		if e.Source == SourceStaleServed {
			return nil
		}
		e.Source = SourceStaleServed

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return bucket.Put([]byte(key), b.enc.EncodeAll(data, nil))
	})
}

// Keys returns all keys in a partition.
func (b *BoltDB) Keys(_ context.Context, partition string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(partition))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Partitions returns the names of all partitions.
func (b *BoltDB) Partitions(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(partitionPrefix)) {
				names = append(names, strings.TrimPrefix(string(name), partitionPrefix))
			}
			return nil
		})
	})
	return names, err
}

// SizeOf returns approximate stored bytes and item count for a
// partition.
func (b *BoltDB) SizeOf(_ context.Context, partition string) (Usage, error) {
	var usage Usage
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(partition))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			usage.Bytes += int64(len(v))
			usage.Items++
			return nil
		})
	})
	return usage, err
}

// Infos returns summary metadata for every entry across partitions.
func (b *BoltDB) Infos(_ context.Context) ([]Info, error) {
	var infos []Info
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte(partitionPrefix)) {
				return nil
			}
			partition := strings.TrimPrefix(string(name), partitionPrefix)
			return bucket.ForEach(func(k, v []byte) error {
				e, err := b.decodeEntry(v)
				if err != nil {
					// Skip corrupt entries; the sweeper cannot reason
					// about them and Get already treats them as misses.
					return nil
				}
				infos = append(infos, Info{
					Partition: partition,
					Key:       string(k),
					URL:       e.URL,
					Size:      int64(len(v)),
					StoredAt:  e.StoredAt,
				})
				return nil
			})
		})
	})
	return infos, err
}

// DeleteURLPrefix removes entries whose request path starts with
// prefix, in a single transaction across all partitions.
func (b *BoltDB) DeleteURLPrefix(_ context.Context, prefix string) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte(partitionPrefix)) {
				return nil
			}

			var victims [][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				e, err := b.decodeEntry(v)
				if err != nil {
					return nil
				}
				if strings.HasPrefix(e.URL, prefix) {
					victims = append(victims, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, k := range victims {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
	})
	return deleted, err
}

// Clear empties one partition.
func (b *BoltDB) Clear(_ context.Context, partition string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		name := bucketName(partition)
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}

// ClearAll empties every partition.
func (b *BoltDB) ClearAll(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(partitionPrefix)) {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) decodeEntry(val []byte) (*Entry, error) {
	data, err := b.dec.DecodeAll(val, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &e, nil
}

// Compile-time interface check
var _ Store = (*BoltDB)(nil)
