// Package policy implements the cache policy engine: cache-key
// derivation, eligibility against the configured allow-list, and
// expiry decisions. It performs no I/O; the proxy and sweeper act on
// its answers.
package policy

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ajaytamvada/procleo-offline-cache/config"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine answers cache policy questions for the interception layer.
type Engine struct {
	rules  []rule
	maxAge time.Duration
	now    func() time.Time
}

type rule struct {
	matcher   matcher
	partition string
}

// New compiles the configured rules into an engine.
func New(cfg config.Config, opts ...EngineOption) *Engine {
	e := &Engine{
		maxAge: cfg.Cache.MaxAge,
		now:    time.Now,
	}
	for _, r := range cfg.Rules {
		e.rules = append(e.rules, rule{
			matcher:   compileMatcher(r.Match),
			partition: r.Partition,
		})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eligible reports whether a request may be served from cache, and the
// partition its entry belongs to. Only GET requests match; out-of-list
// GETs bypass caching entirely.
func (e *Engine) Eligible(method, path string) (partition string, ok bool) {
	if method != http.MethodGet {
		return "", false
	}
	for _, r := range e.rules {
		if r.matcher.match(path) {
			return r.partition, true
		}
	}
	return "", false
}

// MaxAge returns the configured entry lifetime.
func (e *Engine) MaxAge() time.Duration {
	return e.maxAge
}

// Expired reports whether an entry stored at the given time is past its
// lifetime. The check is purely time-based so lookups treat an
// expired-but-unswept entry as absent.
func (e *Engine) Expired(storedAt time.Time) bool {
	return e.now().Sub(storedAt) > e.maxAge
}

// Cutoff returns the stored-at instant before which entries are expired.
func (e *Engine) Cutoff() time.Time {
	return e.now().Add(-e.maxAge)
}

// CacheKey derives the deterministic cache key for a request.
func (e *Engine) CacheKey(method string, u *url.URL) string {
	return Key(method, u)
}
