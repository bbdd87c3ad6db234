// Package control is the command surface the application drives the
// cache layer with. The command set is closed; anything else is
// rejected at dispatch.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ajaytamvada/procleo-offline-cache/events"
	"github.com/ajaytamvada/procleo-offline-cache/queue"
	"github.com/ajaytamvada/procleo-offline-cache/store/cachedb"
	"github.com/ajaytamvada/procleo-offline-cache/syncer"
)

// Command names accepted by Dispatch.
const (
	CommandSkipWaiting   = "SKIP_WAITING"
	CommandQueueMutation = "QUEUE_MUTATION"
	CommandClearCache    = "CLEAR_CACHE"
	CommandSyncNow       = "SYNC_NOW"
)

// Request is one control command with its payload.
type Request struct {
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Response is the dispatch result returned to the caller.
type Response struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Dispatcher executes control commands against the cache layer.
type Dispatcher struct {
	queue       *queue.Queue
	store       cachedb.Store
	coordinator *syncer.Coordinator
	broadcaster *events.Broadcaster
	activate    func() error
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithActivate sets the hook run by SKIP_WAITING to promote a pending
// configuration.
func WithActivate(activate func() error) Option {
	return func(d *Dispatcher) {
		d.activate = activate
	}
}

// New creates a dispatcher over the cache layer's moving parts.
func New(q *queue.Queue, store cachedb.Store, coordinator *syncer.Coordinator, broadcaster *events.Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		store:       store,
		coordinator: coordinator,
		broadcaster: broadcaster,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one command. Unknown command types are an error, not
// a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	switch req.Type {
	case CommandSkipWaiting:
		return d.skipWaiting()
	case CommandQueueMutation:
		return d.queueMutation(ctx, req)
	case CommandClearCache:
		return d.clearCache(ctx)
	case CommandSyncNow:
		d.coordinator.TriggerSync()
		return &Response{Success: true, Message: "sync triggered"}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", req.Type)
	}
}

func (d *Dispatcher) skipWaiting() (*Response, error) {
	if d.activate == nil {
		return &Response{Success: true, Message: "nothing pending"}, nil
	}
	if err := d.activate(); err != nil {
		return nil, fmt.Errorf("activating pending configuration: %w", err)
	}
	d.logger.Info("pending configuration activated")
	return &Response{Success: true, Message: "activated"}, nil
}

func (d *Dispatcher) queueMutation(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == "" || req.Method == "" {
		return nil, fmt.Errorf("queue mutation requires url and method")
	}

	id, err := d.queue.Enqueue(ctx, &queue.Mutation{
		URL:         req.URL,
		Method:      req.Method,
		Headers:     req.Headers,
		Body:        req.Body,
		Description: req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing mutation: %w", err)
	}
	return &Response{Success: true, ID: id}, nil
}

func (d *Dispatcher) clearCache(ctx context.Context) (*Response, error) {
	if err := d.store.ClearAll(ctx); err != nil {
		return nil, fmt.Errorf("clearing cache: %w", err)
	}
	d.broadcaster.Publish(events.Event{Type: events.TypeCacheCleared})
	d.logger.Info("cache cleared")
	return &Response{Success: true, Message: "cache cleared"}, nil
}

// Handler exposes Dispatch as a POST endpoint.
func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid command payload", http.StatusBadRequest)
			return
		}

		resp, err := d.Dispatch(r.Context(), &req)
		if err != nil {
			d.logger.Warn("command failed", "type", req.Type, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(Response{Success: false, Message: err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
