// Package proxy is the network interception layer. Application
// requests flow through it to the upstream API; cache-eligible reads
// are persisted on the way back and served stale when the upstream is
// unreachable.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ajaytamvada/procleo-offline-cache/policy"
	"github.com/ajaytamvada/procleo-offline-cache/store/cachedb"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

const (
	// partitionStatic holds the application shell and other static
	// assets served cache-first.
	partitionStatic = "static"

	headerStoredAt   = "X-Cache-Stored-At"
	headerServedFrom = "X-Served-From"
	servedFromValue  = "offline-cache"

	// maxBodyBytes caps cached response bodies.
	maxBodyBytes = 32 << 20
)

// storedHeaders is the response header subset persisted with entries.
var storedHeaders = []string{"Content-Type", "ETag", "Last-Modified"}

// Handler proxies requests to the upstream with offline fallbacks.
type Handler struct {
	upstream *url.URL
	client   *http.Client
	store    cachedb.Store
	logger   *slog.Logger
	now      func() time.Time

	// engine is swappable so a reloaded policy can be activated
	// without restarting in-flight request handling.
	engine atomic.Pointer[policy.Engine]

	group singleflight.Group
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClient sets the HTTP client used for upstream fetches.
func WithClient(client *http.Client) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates a proxy handler in front of upstream.
func New(upstream *url.URL, engine *policy.Engine, store cachedb.Store, opts ...Option) *Handler {
	h := &Handler{
		upstream: upstream,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	h.engine.Store(engine)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Engine returns the active policy engine.
func (h *Handler) Engine() *policy.Engine {
	return h.engine.Load()
}

// SetEngine activates a new policy engine. In-flight requests keep
// the engine they started with.
func (h *Handler) SetEngine(engine *policy.Engine) {
	h.engine.Store(engine)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.serveGET(w, r)
		return
	}
	h.serveMutation(w, r)
}

// serveMutation forwards a write straight through. A transport failure
// yields the synthetic offline 503; nothing is queued here, deferring
// a write is the caller's explicit decision via the control surface.
func (h *Handler) serveMutation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "proxy")

	resp, err := h.forward(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("mutation passthrough failed",
			"method", r.Method,
			"path", r.URL.Path,
			"outcome", OutcomeOfflineMiss,
			"error", err)
		h.writeResult(w, readResult{outcome: OutcomeOfflineMiss}, msgOperationFailed)
		return
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

func (h *Handler) serveGET(w http.ResponseWriter, r *http.Request) {
	engine := h.engine.Load()
	telemetry.SetEndpoint(r, "proxy")

	if partition, ok := engine.Eligible(r.Method, r.URL.Path); ok {
		h.serveCacheable(w, r, engine, partition)
		return
	}

	if isAPIPath(r.URL.Path) {
		// API reads outside the allow-list get no offline fallback
		h.servePassthrough(w, r)
		return
	}

	h.serveStatic(w, r, engine)
}

func (h *Handler) servePassthrough(w http.ResponseWriter, r *http.Request) {
	resp, err := h.forward(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("passthrough failed", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

// serveCacheable is the network-first path for allow-listed reads: it
// resolves the request to a typed result and maps that to the wire at
// one boundary.
func (h *Handler) serveCacheable(w http.ResponseWriter, r *http.Request, engine *policy.Engine, partition string) {
	telemetry.SetPartition(r, partition)

	res := h.cacheableResult(r, engine, partition)

	cr := res.cacheResult()
	telemetry.SetCacheResult(r, cr)
	telemetry.RecordCacheLookup(r.Context(), partition, cr)

	h.writeResult(w, res, msgDataUnavailable)
}

// cacheableResult attempts the network, falling back to the cache with
// expiry applied at lookup time regardless of when the sweep last ran.
func (h *Handler) cacheableResult(r *http.Request, engine *policy.Engine, partition string) readResult {
	key := engine.CacheKey(r.Method, r.URL)

	v, err, _ := h.group.Do(partition+":"+key, func() (interface{}, error) {
		return h.fetchAndStore(r, partition, key)
	})
	if err == nil {
		return readResult{outcome: OutcomeOk, entry: v.(*cachedb.Entry)}
	}

	entry, getErr := h.store.Get(r.Context(), partition, key)
	if getErr == nil && !engine.Expired(entry.StoredAt) {
		if markErr := h.store.MarkStaleServed(r.Context(), partition, key); markErr != nil {
			h.logger.Warn("failed to mark entry stale-served", "key", key, "error", markErr)
		}
		h.logger.Info("serving stale cached response",
			"partition", partition,
			"path", r.URL.Path,
			"outcome", OutcomeOfflineFallback,
			"stored_at", entry.StoredAt)
		return readResult{outcome: OutcomeOfflineFallback, entry: entry}
	}

	h.logger.Warn("offline miss",
		"partition", partition,
		"path", r.URL.Path,
		"outcome", OutcomeOfflineMiss,
		"error", err)
	return readResult{outcome: OutcomeOfflineMiss}
}

// serveStatic is the cache-first path for the application shell. A
// present entry serves no matter how old it is; the periodic sweep,
// not the API max-age, retires static assets.
func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, engine *policy.Engine) {
	telemetry.SetPartition(r, partitionStatic)

	key := engine.CacheKey(r.Method, r.URL)

	entry, err := h.store.Get(r.Context(), partitionStatic, key)
	if err == nil {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		telemetry.RecordCacheLookup(r.Context(), partitionStatic, telemetry.CacheHit)
		h.writeEntry(w, entry, false)
		return
	}

	fresh, err := h.fetchAndStore(r, partitionStatic, key)
	if err == nil {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		h.writeEntry(w, fresh, false)
		return
	}

	// navigation requests degrade to the cached entry point so the
	// application shell still loads offline
	if isNavigation(r) {
		rootURL := *r.URL
		rootURL.Path = "/"
		rootURL.RawQuery = ""
		rootKey := engine.CacheKey(http.MethodGet, &rootURL)

		if root, rootErr := h.store.Get(r.Context(), partitionStatic, rootKey); rootErr == nil {
			telemetry.SetCacheResult(r, telemetry.CacheStale)
			h.writeEntry(w, root, true)
			return
		}
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	h.logger.Warn("static asset unavailable", "path", r.URL.Path, "error", err)
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
}

// fetchAndStore fetches from the upstream and persists 2xx responses.
// Error responses are never cached.
func (h *Handler) fetchAndStore(r *http.Request, partition, key string) (*cachedb.Entry, error) {
	resp, err := h.forward(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}

	entry := &cachedb.Entry{
		Key:      key,
		Method:   r.Method,
		URL:      r.URL.Path,
		Status:   resp.StatusCode,
		Header:   pickHeaders(resp.Header),
		Body:     body,
		StoredAt: h.now(),
		Source:   cachedb.SourceNetwork,
	}

	if err := h.store.Put(r.Context(), partition, entry); err != nil {
		// a storage failure must not fail the request itself
		h.logger.Warn("failed to store cache entry",
			"partition", partition,
			"key", key,
			"error", err)
	}
	return entry, nil
}

// Warm fetches the given upstream paths through the caching path so
// the store is populated before the first offline window.
func (h *Handler) Warm(ctx context.Context, paths []string) {
	engine := h.engine.Load()

	for _, p := range paths {
		u, err := url.Parse(p)
		if err != nil {
			h.logger.Warn("skipping invalid warm url", "url", p, "error", err)
			continue
		}

		partition, ok := engine.Eligible(http.MethodGet, u.Path)
		if !ok {
			partition = partitionStatic
		}

		r, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
		if err != nil {
			continue
		}
		r.URL = u

		key := engine.CacheKey(http.MethodGet, u)
		if _, err := h.fetchAndStore(r, partition, key); err != nil {
			h.logger.Warn("warm fetch failed", "url", p, "error", err)
			continue
		}
		h.logger.Debug("warmed cache entry", "url", p, "partition", partition)
	}
}

// errBodyTooLarge flags a request body over the cacheable limit;
// callers reject it rather than forwarding a truncated payload.
var errBodyTooLarge = errors.New("request body exceeds limit")

// forward sends the incoming request to the upstream, preserving
// method, headers and body.
func (h *Handler) forward(r *http.Request) (*http.Response, error) {
	target := *r.URL
	target.Scheme = h.upstream.Scheme
	target.Host = h.upstream.Host

	var body io.Reader
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(data) > maxBodyBytes {
			return nil, errBodyTooLarge
		}
		if len(data) > 0 {
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Connection")

	return h.client.Do(req)
}

// writeEntry renders a cached or freshly stored entry to the client.
func (h *Handler) writeEntry(w http.ResponseWriter, entry *cachedb.Entry, stale bool) {
	for k, v := range entry.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set(headerStoredAt, strconv.FormatInt(entry.StoredAt.UnixMilli(), 10))
	if stale {
		w.Header().Set(headerServedFrom, servedFromValue)
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func pickHeaders(header http.Header) map[string]string {
	picked := make(map[string]string, len(storedHeaders))
	for _, name := range storedHeaders {
		if v := header.Get(name); v != "" {
			picked[name] = v
		}
	}
	return picked
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
