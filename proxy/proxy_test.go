package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajaytamvada/procleo-offline-cache/config"
	"github.com/ajaytamvada/procleo-offline-cache/policy"
	"github.com/ajaytamvada/procleo-offline-cache/store/cachedb"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

func newTestStore(t *testing.T) *cachedb.BoltDB {
	t.Helper()

	db := cachedb.NewBoltDB()
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// flakyUpstream serves until failing is set, then refuses by
// returning 502 without a body worth caching.
type flakyUpstream struct {
	failing atomic.Bool
	hits    atomic.Int64
}

func (f *flakyUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.failing.Load() {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"items":[1,2,3]}`))
}

func newHandler(t *testing.T, upstream string, opts ...Option) *Handler {
	t.Helper()

	engine := policy.New(config.Default())
	return New(mustParse(t, upstream), engine, newTestStore(t), opts...)
}

func TestHandler_NetworkFirstStoresAndServes(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	h := newHandler(t, srv.URL, WithNow(func() time.Time { return now }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/summary", nil))

	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"items":[1,2,3]}`, rec.Body.String())
	assert.Equal("application/json", rec.Header().Get("Content-Type"))

	// freshness marker carries the storage time in unix millis
	assert.Equal("1769940000000", rec.Header().Get(headerStoredAt))
	assert.Empty(rec.Header().Get(headerServedFrom))
}

func TestHandler_ServesStaleWhenUpstreamDown(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	// populate the cache while online
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// upstream goes down; the cached entry is served annotated
	up.failing.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))

	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"items":[1,2,3]}`, rec.Body.String())
	assert.Equal(servedFromValue, rec.Header().Get(headerServedFrom))
	assert.Contains(rec.Header().Get("Warning"), "110")
}

func TestHandler_OfflineMissSynthetic503(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream := srv.URL
	srv.Close()

	h := newHandler(t, upstream)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))

	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(`{"success":false,"message":"Data unavailable offline","offline":true}`, rec.Body.String())
}

func TestHandler_ExpiredEntryIsMissAtLookup(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	engine := policy.New(config.Default(), policy.WithNow(func() time.Time { return clock }))
	h := New(mustParse(t, srv.URL), engine, newTestStore(t),
		WithNow(func() time.Time { return clock }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// 31 minutes later the entry is past max-age; no sweep has run,
	// the lookup itself must treat it as a miss
	clock = clock.Add(31 * time.Minute)
	up.failing.Store(true)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))

	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.Contains(rec.Body.String(), `"offline":true`)
}

func TestHandler_ErrorResponsesNeverCached(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	up.failing.Store(true)
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	// upstream answers 502; with nothing cached this is an offline miss
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))
	assert.Equal(http.StatusServiceUnavailable, rec.Code)

	// and the 502 body must not have been stored
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vendors", nil))
	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(`{"success":false,"message":"Data unavailable offline","offline":true}`, rec.Body.String())
}

func TestHandler_MutationPassthrough(t *testing.T) {
	assert := assert.New(t)

	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHandler(t, srv.URL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/purchase-orders", strings.NewReader(`{"qty":1}`)))

	assert.Equal(http.StatusCreated, rec.Code)
	assert.Equal(http.MethodPost, gotMethod)
	assert.Equal(`{"qty":1}`, gotBody)
}

func TestHandler_MutationOfflineSynthetic503(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream := srv.URL
	srv.Close()

	h := newHandler(t, upstream)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/purchase-orders", strings.NewReader(`{"qty":1}`)))

	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(`{"success":false,"message":"Operation failed: You are offline","offline":true}`, rec.Body.String())
}

func TestHandler_MutationBodyTooLargeRejected(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/purchase-orders",
		bytes.NewReader(make([]byte, maxBodyBytes+1))))

	assert.Equal(http.StatusRequestEntityTooLarge, rec.Code)
	// an oversized payload must never reach the upstream truncated
	assert.EqualValues(0, up.hits.Load())
}

func TestWriteResult_MapsOutcomes(t *testing.T) {
	assert := assert.New(t)

	h := newHandler(t, "http://localhost:0")
	entry := &cachedb.Entry{
		Status:   http.StatusOK,
		Body:     []byte(`{"items":[1]}`),
		StoredAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}

	rec := httptest.NewRecorder()
	h.writeResult(rec, readResult{outcome: OutcomeOk, entry: entry}, msgDataUnavailable)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Empty(rec.Header().Get(headerServedFrom))

	rec = httptest.NewRecorder()
	h.writeResult(rec, readResult{outcome: OutcomeOfflineFallback, entry: entry}, msgDataUnavailable)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(servedFromValue, rec.Header().Get(headerServedFrom))

	rec = httptest.NewRecorder()
	h.writeResult(rec, readResult{outcome: OutcomeOfflineMiss}, msgDataUnavailable)
	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(`{"success":false,"message":"Data unavailable offline","offline":true}`, rec.Body.String())

	assert.Equal(telemetry.CacheHit, readResult{outcome: OutcomeOk}.cacheResult())
	assert.Equal(telemetry.CacheStale, readResult{outcome: OutcomeOfflineFallback}.cacheResult())
	assert.Equal(telemetry.CacheMiss, readResult{outcome: OutcomeOfflineMiss}.cacheResult())
}

func TestHandler_NonEligibleAPIGetNoFallback(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream := srv.URL
	srv.Close()

	h := newHandler(t, upstream)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil))

	assert.Equal(http.StatusBadGateway, rec.Code)
	assert.NotContains(rec.Body.String(), "offline")
}

func TestHandler_StaticCacheFirst(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, up.hits.Load())

	// second request comes from the cache, the upstream is not hit
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.EqualValues(1, up.hits.Load())
}

func TestHandler_StaticServedPastAPIMaxAge(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	engine := policy.New(config.Default(), policy.WithNow(func() time.Time { return clock }))
	h := New(mustParse(t, srv.URL), engine, newTestStore(t),
		WithNow(func() time.Time { return clock }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, up.hits.Load())

	// 31 minutes later the asset is past the API max-age and the
	// upstream is down; cache-first still serves it
	clock = clock.Add(31 * time.Minute)
	up.failing.Store(true)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))

	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"items":[1,2,3]}`, rec.Body.String())
	assert.EqualValues(1, up.hits.Load())
}

func TestHandler_NavigationFallsBackToEntryPoint(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	// cache the entry-point document while online
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// offline navigation to an uncached route serves the shell
	up.failing.Store(true)
	req := httptest.NewRequest(http.MethodGet, "/purchase-orders/new", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"items":[1,2,3]}`, rec.Body.String())
	assert.Equal(servedFromValue, rec.Header().Get(headerServedFrom))
}

func TestHandler_Warm(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)
	h.Warm(context.Background(), []string{"/api/dashboard/summary", "/api/vendors"})

	// upstream goes down but warmed entries serve
	up.failing.Store(true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/summary", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(servedFromValue, rec.Header().Get(headerServedFrom))
}

func TestHandler_SetEngineSwapsPolicy(t *testing.T) {
	assert := assert.New(t)

	up := &flakyUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newHandler(t, srv.URL)

	// the default allow-list does not cover /api/reports
	cfg := config.Default()
	cfg.Rules = append(cfg.Rules, config.Rule{Match: "/api/reports*", Partition: "reports"})
	h.SetEngine(policy.New(cfg))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/monthly", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	up.failing.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/monthly", nil))

	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(servedFromValue, rec.Header().Get(headerServedFrom))
}
