package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/ajaytamvada/procleo-offline-cache/store/cachedb"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

// Outcome classifies how a request was served. Handlers branch on the
// outcome internally; the synthetic JSON bodies exist only at the
// HTTP boundary.
type Outcome int

const (
	// OutcomeOk means the upstream answered and its response was
	// returned (and stored when cache-eligible).
	OutcomeOk Outcome = iota

	// OutcomeOfflineFallback means the upstream failed and a cached
	// entry was served in its place.
	OutcomeOfflineFallback

	// OutcomeOfflineMiss means the upstream failed and no usable
	// cached entry existed.
	OutcomeOfflineMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeOfflineFallback:
		return "offline_fallback"
	case OutcomeOfflineMiss:
		return "offline_miss"
	default:
		return "unknown"
	}
}

// readResult pairs an outcome with the entry backing it. Handlers
// compute one per request and hand it to writeResult, the only place
// an outcome becomes wire JSON.
type readResult struct {
	outcome Outcome
	entry   *cachedb.Entry
}

// cacheResult maps the outcome onto the telemetry vocabulary.
func (r readResult) cacheResult() telemetry.CacheResult {
	switch r.outcome {
	case OutcomeOk:
		return telemetry.CacheHit
	case OutcomeOfflineFallback:
		return telemetry.CacheStale
	default:
		return telemetry.CacheMiss
	}
}

// writeResult renders a result to the client. missMsg is the synthetic
// body used when there is nothing to serve.
func (h *Handler) writeResult(w http.ResponseWriter, res readResult, missMsg string) {
	switch res.outcome {
	case OutcomeOk:
		h.writeEntry(w, res.entry, false)
	case OutcomeOfflineFallback:
		h.writeEntry(w, res.entry, true)
	default:
		writeOffline(w, missMsg)
	}
}

// offlineBody is the synthetic response returned when neither the
// network nor the cache can serve.
type offlineBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

const (
	msgDataUnavailable = "Data unavailable offline"
	msgOperationFailed = "Operation failed: You are offline"
)

// writeOffline sends the synthetic 503 with the given message.
func writeOffline(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(offlineBody{Message: message, Offline: true})
}
