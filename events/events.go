// Package events fans out lifecycle notifications to connected
// clients. The application subscribes to hear when queued mutations
// sync, so it can refresh views without polling.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event.
type Type string

const (
	// TypeMutationSynced fires each time a queued mutation replays
	// successfully against the upstream.
	TypeMutationSynced Type = "MUTATION_SYNCED"

	// TypeSyncStarted fires when a sync pass begins.
	TypeSyncStarted Type = "SYNC_STARTED"

	// TypeSyncCompleted fires when a sync pass finishes, whether or
	// not every mutation went through.
	TypeSyncCompleted Type = "SYNC_COMPLETED"

	// TypeCacheCleared fires after a CLEAR_CACHE command empties the
	// cache store.
	TypeCacheCleared Type = "CACHE_CLEARED"
)

// Event is one notification. Fields beyond Type are optional and
// depend on the event.
type Event struct {
	Type        Type      `json:"type"`
	MutationID  string    `json:"mutation_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Synced      int       `json:"synced,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JSON renders the wire form sent to subscribers.
func (e Event) JSON() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"` + string(e.Type) + `"}`)
	}
	return data
}
