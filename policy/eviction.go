package policy

import (
	"sort"
	"time"
)

// EntryInfo is the subset of a stored entry the eviction strategy sees.
type EntryInfo struct {
	Partition string
	Key       string
	Size      int64
	StoredAt  time.Time
}

// EvictionStrategy selects entries to delete beyond TTL expiry. The
// sweeper calls it once per cycle with the live (non-expired) entries;
// the store just obeys the returned deletions.
type EvictionStrategy interface {
	Plan(entries []EntryInfo) []EntryInfo
}

// NoEviction keeps everything TTL expiry has not claimed. This is the
// shipped default.
type NoEviction struct{}

// Plan implements EvictionStrategy.
func (NoEviction) Plan([]EntryInfo) []EntryInfo { return nil }

// SizeCap evicts oldest-first until total stored bytes fit under the
// cap.
type SizeCap struct {
	MaxBytes int64
}

// Plan implements EvictionStrategy.
func (s SizeCap) Plan(entries []EntryInfo) []EntryInfo {
	if s.MaxBytes <= 0 {
		return nil
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= s.MaxBytes {
		return nil
	}

	sorted := make([]EntryInfo, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StoredAt.Before(sorted[j].StoredAt)
	})

	var victims []EntryInfo
	for _, e := range sorted {
		if total <= s.MaxBytes {
			break
		}
		victims = append(victims, e)
		total -= e.Size
	}
	return victims
}
