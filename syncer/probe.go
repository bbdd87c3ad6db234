package syncer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Probe watches upstream reachability with periodic HEAD requests and
// triggers a sync pass on the offline-to-online transition.
type Probe struct {
	upstream    *url.URL
	client      *http.Client
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	online bool
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithProbeLogger sets the logger for the probe.
func WithProbeLogger(logger *slog.Logger) ProbeOption {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithProbeClient sets the HTTP client used for probing.
func WithProbeClient(client *http.Client) ProbeOption {
	return func(p *Probe) {
		p.client = client
	}
}

// WithProbeInterval sets how often the upstream is probed.
func WithProbeInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewProbe creates a probe that nudges the coordinator when the
// upstream comes back.
func NewProbe(upstream *url.URL, coordinator *Coordinator, opts ...ProbeOption) *Probe {
	p := &Probe{
		upstream:    upstream,
		client:      &http.Client{Timeout: 5 * time.Second},
		coordinator: coordinator,
		interval:    15 * time.Second,
		logger:      slog.Default(),
		online:      true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Online reports the last observed upstream reachability.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Run probes until the context is canceled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe and records the transition. Coming back
// online triggers a sync pass.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)

	p.mu.Lock()
	wasOnline := p.online
	p.online = online
	p.mu.Unlock()

	if online && !wasOnline {
		p.logger.Info("upstream reachable again, triggering sync")
		p.coordinator.TriggerSync()
	}
	if !online && wasOnline {
		p.logger.Warn("upstream unreachable")
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.upstream.String(), nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// any HTTP response means the upstream is up
	return true
}
