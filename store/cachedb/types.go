package cachedb

import "time"

// Source records how an entry has been used.
type Source string

const (
	// SourceNetwork marks an entry written from a fresh network
	// response that has only ever been served fresh.
	SourceNetwork Source = "network"

	// SourceStaleServed marks an entry that has been returned as a
	// stale fallback at least once.
	SourceStaleServed Source = "stale_served"
)

// Entry is one cached HTTP response.
type Entry struct {
	Key      string            `json:"key"`
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Header   map[string]string `json:"header,omitempty"`
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at"`
	Source   Source            `json:"source"`
}

// Usage reports approximate storage consumption of a partition.
// Bytes counts the compressed on-disk representation.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Items int   `json:"items"`
}

// Info is the per-entry summary the sweeper works from.
type Info struct {
	Partition string
	Key       string
	URL       string
	Size      int64
	StoredAt  time.Time
}
