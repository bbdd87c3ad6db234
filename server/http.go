// Package server provides the HTTP server for the offline cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajaytamvada/procleo-offline-cache/config"
	"github.com/ajaytamvada/procleo-offline-cache/control"
	"github.com/ajaytamvada/procleo-offline-cache/events"
	"github.com/ajaytamvada/procleo-offline-cache/policy"
	"github.com/ajaytamvada/procleo-offline-cache/proxy"
	"github.com/ajaytamvada/procleo-offline-cache/queue"
	"github.com/ajaytamvada/procleo-offline-cache/store/cachedb"
	"github.com/ajaytamvada/procleo-offline-cache/syncer"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the bolt database file path
	StoragePath string

	// ConfigPath is the optional YAML cache configuration file.
	// When empty the built-in defaults apply. SKIP_WAITING re-reads
	// this file and activates the result.
	ConfigPath string

	// Upstream overrides the configured upstream base URL
	Upstream string

	// AuthToken enables Bearer token authentication when non-empty
	AuthToken string

	// SyncInterval is the periodic background sync cadence.
	// Default: 5 minutes.
	SyncInterval time.Duration

	// ReplayRateLimit caps mutation replay in requests per second.
	// Zero means unlimited.
	ReplayRateLimit float64

	// Logger for the server
	Logger *slog.Logger
}

// Server wires the interception layer, queue, syncer and control
// surface behind one HTTP listener.
type Server struct {
	config     Config
	appCfg     config.Config
	httpServer *http.Server
	logger     *slog.Logger

	store       *cachedb.BoltDB
	queue       *queue.Queue
	broadcaster *events.Broadcaster
	coordinator *syncer.Coordinator
	probe       *syncer.Probe
	sweeper     *cachedb.Sweeper
	proxy       *proxy.Handler
	dispatcher  *control.Dispatcher

	mu       sync.Mutex
	cancelBg context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./offline-cache.db"
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Minute
	}

	appCfg := config.Default()
	if cfg.ConfigPath != "" {
		loaded, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading cache config: %w", err)
		}
		appCfg = loaded
	}
	if cfg.Upstream != "" {
		appCfg.Upstream = cfg.Upstream
	}
	if appCfg.Upstream == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}

	upstream, err := url.Parse(appCfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}

	store := cachedb.NewBoltDB(
		cachedb.WithLogger(cfg.Logger.With("component", "store")),
	)
	if err := store.Open(cfg.StoragePath); err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}

	q, err := queue.New(store.Bolt(),
		queue.WithLogger(cfg.Logger.With("component", "queue")),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating mutation queue: %w", err)
	}

	engine := policy.New(appCfg)
	broadcaster := events.NewBroadcaster(
		events.WithLogger(cfg.Logger.With("component", "events")),
	)

	coordinatorOpts := []syncer.Option{
		syncer.WithLogger(cfg.Logger.With("component", "syncer")),
		syncer.WithInvalidator(store),
		syncer.WithInterval(cfg.SyncInterval),
	}
	if cfg.ReplayRateLimit > 0 {
		coordinatorOpts = append(coordinatorOpts, syncer.WithRateLimit(cfg.ReplayRateLimit))
	}
	coordinator := syncer.New(q, upstream, broadcaster, coordinatorOpts...)

	probe := syncer.NewProbe(upstream, coordinator,
		syncer.WithProbeLogger(cfg.Logger.With("component", "probe")),
		syncer.WithProbeInterval(appCfg.ProbeInterval),
	)

	sweeperOpts := []cachedb.SweeperOption{
		cachedb.WithSweepInterval(appCfg.Cache.SweepInterval),
		cachedb.WithSweeperLogger(cfg.Logger.With("component", "sweeper")),
	}
	if appCfg.Cache.MaxSize > 0 {
		sweeperOpts = append(sweeperOpts, cachedb.WithStrategy(policy.SizeCap{MaxBytes: appCfg.Cache.MaxSize}))
	}
	sweeper := cachedb.NewSweeper(store, engine, sweeperOpts...)

	proxyHandler := proxy.New(upstream, engine, store,
		proxy.WithLogger(cfg.Logger.With("component", "proxy")),
	)

	s := &Server{
		config:      cfg,
		appCfg:      appCfg,
		logger:      cfg.Logger,
		store:       store,
		queue:       q,
		broadcaster: broadcaster,
		coordinator: coordinator,
		probe:       probe,
		sweeper:     sweeper,
		proxy:       proxyHandler,
	}

	s.dispatcher = control.New(q, store, coordinator, broadcaster,
		control.WithLogger(cfg.Logger.With("component", "control")),
		control.WithActivate(s.activatePending),
	)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes. Everything that is not a
// control or observability endpoint flows through the proxy.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.Handle("POST /control", s.dispatcher.Handler())
	mux.Handle("GET /events", events.NewSSEHandler(s.broadcaster))

	mux.Handle("/", s.proxy)
}

// activatePending re-reads the configuration file and swaps the
// proxy's policy engine. This is how a new allow-list takes effect
// without a restart.
func (s *Server) activatePending() error {
	if s.config.ConfigPath == "" {
		return nil
	}

	loaded, err := config.Load(s.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("reloading cache config: %w", err)
	}
	if s.config.Upstream != "" {
		loaded.Upstream = s.config.Upstream
	}

	s.mu.Lock()
	s.appCfg = loaded
	s.mu.Unlock()

	s.proxy.SetEngine(policy.New(loaded))
	s.logger.Info("activated reloaded configuration", "rules", len(loaded.Rules))
	return nil
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// partitionStats is one partition's line in the /stats payload.
type partitionStats struct {
	Bytes int64 `json:"bytes"`
	Items int   `json:"items"`
}

// handleStats reports per-partition cache usage, queue depth and the
// coordinator/probe state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	partitions, err := s.store.Partitions(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	perPartition := make(map[string]partitionStats, len(partitions))
	for _, p := range partitions {
		usage, err := s.store.SizeOf(ctx, p)
		if err != nil {
			s.logger.Warn("failed to size partition", "partition", p, "error", err)
			continue
		}
		perPartition[p] = partitionStats{Bytes: usage.Bytes, Items: usage.Items}
	}

	depth, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("failed to read queue depth", "error", err)
	}

	payload := map[string]any{
		"partitions":  perPartition,
		"queue_depth": depth,
		"sync_state":  s.coordinator.State(),
		"online":      s.probe.Online(),
	}
	if last := s.sweeper.LastSweep(); !last.IsZero() {
		payload["last_sweep"] = last.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, partition, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Partition != "" {
			attrs = append(attrs, "partition", tags.Partition)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background workers and the HTTP listener. It
// blocks until the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelBg = cancel
	s.mu.Unlock()

	s.sweeper.Start(ctx)
	go s.coordinator.Run(ctx)
	go s.probe.Run(ctx)

	if len(s.appCfg.Warm) > 0 {
		go func() {
			s.logger.Info("pre-warming cache", "urls", len(s.appCfg.Warm))
			s.proxy.Warm(ctx, s.appCfg.Warm)
		}()
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"upstream", s.appCfg.Upstream,
		"max_age", s.appCfg.Cache.MaxAge,
		"sweep_interval", s.appCfg.Cache.SweepInterval,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	if s.cancelBg != nil {
		s.cancelBg()
	}
	s.mu.Unlock()

	s.sweeper.Stop()
	s.broadcaster.Close()

	err := s.httpServer.Shutdown(ctx)

	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
