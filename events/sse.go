package events

import (
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 25 * time.Second

// SSEHandler streams broadcaster events to clients over server-sent
// events. Each connected client gets its own subscription; comment
// keep-alives hold idle connections open through proxies.
type SSEHandler struct {
	broadcaster *Broadcaster
}

// NewSSEHandler creates the handler over a broadcaster.
func NewSSEHandler(b *Broadcaster) *SSEHandler {
	return &SSEHandler{broadcaster: b}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.broadcaster.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
			flusher.Flush()
		}
	}
}
