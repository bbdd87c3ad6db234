// Package syncer replays queued mutations against the upstream once
// connectivity returns. At most one sync pass runs at a time; triggers
// arriving mid-pass coalesce into one follow-up pass.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ajaytamvada/procleo-offline-cache/events"
	"github.com/ajaytamvada/procleo-offline-cache/queue"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle    State = "IDLE"
	StateSyncing State = "SYNCING"
)

// Invalidator evicts cached reads made stale by a successful mutation.
// The prefix is a URL path; everything under it goes.
type Invalidator interface {
	DeleteURLPrefix(ctx context.Context, prefix string) (int, error)
}

// Coordinator drains the mutation queue in FIFO order. It owns the
// IDLE/SYNCING state machine; passes never overlap.
type Coordinator struct {
	queue       *queue.Queue
	upstream    *url.URL
	client      *http.Client
	broadcaster *events.Broadcaster
	invalidator Invalidator
	limiter     *rate.Limiter
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	pending bool

	triggerCh chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClient sets the HTTP client used for replay.
func WithClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.client = client
	}
}

// WithInvalidator sets the cache invalidation hook called after each
// successful replay.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Coordinator) {
		c.invalidator = inv
	}
}

// WithRateLimit caps replay throughput at n requests per second.
func WithRateLimit(n float64) Option {
	return func(c *Coordinator) {
		c.limiter = rate.NewLimiter(rate.Limit(n), 1)
	}
}

// WithInterval sets the periodic background sync interval. Zero
// disables the ticker; passes then run only on explicit triggers.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

// New creates a coordinator over the queue, replaying against upstream.
func New(q *queue.Queue, upstream *url.URL, broadcaster *events.Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:       q,
		upstream:    upstream,
		client:      &http.Client{Timeout: 30 * time.Second},
		broadcaster: broadcaster,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		logger:      slog.Default(),
		state:       StateIdle,
		triggerCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TriggerSync requests a sync pass. Never blocks; triggers while a
// pass is queued or running collapse into one.
func (c *Coordinator) TriggerSync() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Run processes triggers until the context is canceled. Start it in a
// goroutine; pair with TriggerSync from probes and control commands.
func (c *Coordinator) Run(ctx context.Context) {
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.RunPass(ctx)
		case <-c.triggerCh:
			c.RunPass(ctx)
		}
	}
}

// PassResult reports one sync pass.
type PassResult struct {
	Synced int
	Failed int
}

// RunPass drains the queue once. If a pass is already running the
// request is noted and one follow-up pass runs when the current one
// finishes; the second caller returns immediately with a nil result.
func (c *Coordinator) RunPass(ctx context.Context) *PassResult {
	c.mu.Lock()
	if c.state == StateSyncing {
		c.pending = true
		c.mu.Unlock()
		return nil
	}
	c.state = StateSyncing
	c.mu.Unlock()

	result := c.runPass(ctx)

	for {
		c.mu.Lock()
		if !c.pending {
			c.state = StateIdle
			c.mu.Unlock()
			return result
		}
		c.pending = false
		c.mu.Unlock()

		again := c.runPass(ctx)
		result.Synced += again.Synced
		result.Failed += again.Failed
	}
}

func (c *Coordinator) runPass(ctx context.Context) *PassResult {
	result := &PassResult{}

	mutations, err := c.queue.List(ctx)
	if err != nil {
		c.logger.Warn("failed to list mutation queue", "error", err)
		return result
	}
	if len(mutations) == 0 {
		return result
	}

	c.logger.Info("sync pass started", "pending", len(mutations))
	c.broadcaster.Publish(events.Event{Type: events.TypeSyncStarted})

	for _, m := range mutations {
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}

		start := time.Now()
		err := c.replay(ctx, &m)
		duration := time.Since(start)

		if err != nil {
			result.Failed++
			telemetry.RecordReplay(ctx, "failed", duration)

			count, retryErr := c.queue.IncrementRetry(ctx, m.ID)
			if retryErr != nil {
				c.logger.Warn("failed to bump retry count", "id", m.ID, "error", retryErr)
			}
			c.logger.Warn("mutation replay failed",
				"id", m.ID,
				"method", m.Method,
				"url", m.URL,
				"retry_count", count,
				"error", err)
			continue
		}

		result.Synced++
		telemetry.RecordReplay(ctx, "success", duration)

		if err := c.queue.Remove(ctx, m.ID); err != nil {
			c.logger.Warn("failed to remove synced mutation", "id", m.ID, "error", err)
		}
		c.invalidateFamily(ctx, &m)

		c.broadcaster.Publish(events.Event{
			Type:        events.TypeMutationSynced,
			MutationID:  m.ID,
			Description: m.Description,
		})
	}

	if n, err := c.queue.Len(ctx); err == nil {
		telemetry.SetQueueDepth(ctx, n)
	}

	c.logger.Info("sync pass completed",
		"synced", result.Synced,
		"failed", result.Failed)
	c.broadcaster.Publish(events.Event{
		Type:   events.TypeSyncCompleted,
		Synced: result.Synced,
		Failed: result.Failed,
	})
	return result
}

// replay sends one queued mutation upstream. Any transport error or
// non-2xx status counts as failure; the mutation stays queued.
func (c *Coordinator) replay(ctx context.Context, m *queue.Mutation) error {
	target, err := c.resolve(m.URL)
	if err != nil {
		return err
	}

	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, target, body)
	if err != nil {
		return fmt.Errorf("building replay request: %w", err)
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending replay request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Coordinator) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing mutation url: %w", err)
	}
	return c.upstream.ResolveReference(u).String(), nil
}

// invalidateFamily evicts cached reads covering the mutated resource.
// A mutation on an item also stales its collection listing, so the
// parent path is the eviction prefix for item-level methods.
func (c *Coordinator) invalidateFamily(ctx context.Context, m *queue.Mutation) {
	if c.invalidator == nil {
		return
	}

	u, err := url.Parse(m.URL)
	if err != nil {
		return
	}

	prefix := u.Path
	if m.Method != http.MethodPost {
		if parent := path.Dir(u.Path); parent != "." && parent != "/" {
			prefix = parent
		}
	}

	n, err := c.invalidator.DeleteURLPrefix(ctx, prefix)
	if err != nil {
		c.logger.Warn("cache invalidation failed", "prefix", prefix, "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("invalidated cached reads", "prefix", prefix, "entries", n)
	}
}
