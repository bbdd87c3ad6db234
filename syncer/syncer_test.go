package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/ajaytamvada/procleo-offline-cache/events"
	"github.com/ajaytamvada/procleo-offline-cache/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := queue.New(db)
	require.NoError(t, err)
	return q
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// upstreamRecorder captures replayed requests in arrival order.
type upstreamRecorder struct {
	mu       sync.Mutex
	paths    []string
	failPath string
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.paths = append(u.paths, r.URL.Path)
	fail := r.URL.Path == u.failPath
	u.mu.Unlock()

	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (u *upstreamRecorder) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

func TestCoordinator_ReplaysFIFO(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := &upstreamRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	q := newTestQueue(t)
	for _, p := range []string{"/api/purchase-orders/1", "/api/purchase-orders/2", "/api/purchase-orders/3"} {
		_, err := q.Enqueue(ctx, &queue.Mutation{URL: p, Method: http.MethodPut})
		require.NoError(t, err)
	}

	c := New(q, mustParse(t, srv.URL), events.NewBroadcaster())
	result := c.RunPass(ctx)

	require.NotNil(t, result)
	assert.Equal(3, result.Synced)
	assert.Equal(0, result.Failed)
	assert.Equal([]string{"/api/purchase-orders/1", "/api/purchase-orders/2", "/api/purchase-orders/3"}, rec.seen())

	n, err := q.Len(ctx)
	assert.NoError(err)
	assert.Equal(0, n)
	assert.Equal(StateIdle, c.State())
}

func TestCoordinator_FailureKeepsMutationAndContinues(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := &upstreamRecorder{failPath: "/api/vendors/2"}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	q := newTestQueue(t)
	for _, p := range []string{"/api/vendors/1", "/api/vendors/2", "/api/vendors/3"} {
		_, err := q.Enqueue(ctx, &queue.Mutation{URL: p, Method: http.MethodPut})
		require.NoError(t, err)
	}

	c := New(q, mustParse(t, srv.URL), events.NewBroadcaster())
	result := c.RunPass(ctx)

	require.NotNil(t, result)
	assert.Equal(2, result.Synced)
	assert.Equal(1, result.Failed)

	// the failed mutation survives with a bumped retry count,
	// the ones around it are gone
	mutations, err := q.List(ctx)
	assert.NoError(err)
	require.Len(t, mutations, 1)
	assert.Equal("/api/vendors/2", mutations[0].URL)
	assert.Equal(1, mutations[0].RetryCount)
}

func TestCoordinator_UnreachableUpstreamKeepsQueue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream := mustParse(t, srv.URL)
	srv.Close()

	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, &queue.Mutation{URL: "/api/assets/1", Method: http.MethodDelete})
	require.NoError(t, err)

	c := New(q, upstream, events.NewBroadcaster())
	result := c.RunPass(ctx)

	require.NotNil(t, result)
	assert.Equal(0, result.Synced)
	assert.Equal(1, result.Failed)

	n, err := q.Len(ctx)
	assert.NoError(err)
	assert.Equal(1, n)
}

func TestCoordinator_PublishesMutationSynced(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(&upstreamRecorder{})
	defer srv.Close()

	q := newTestQueue(t)
	id, err := q.Enqueue(ctx, &queue.Mutation{
		URL:         "/api/purchase-orders",
		Method:      http.MethodPost,
		Description: "Create PO",
	})
	require.NoError(t, err)

	b := events.NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	c := New(q, mustParse(t, srv.URL), b)
	c.RunPass(ctx)

	var got []events.Event
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.Len(t, got, 3)
	assert.Equal(events.TypeSyncStarted, got[0].Type)
	assert.Equal(events.TypeMutationSynced, got[1].Type)
	assert.Equal(id, got[1].MutationID)
	assert.Equal("Create PO", got[1].Description)
	assert.Equal(events.TypeSyncCompleted, got[2].Type)
	assert.Equal(1, got[2].Synced)
}

// blockingInvalidator holds a replayed mutation's invalidation until
// released, keeping the pass in flight.
type blockingInvalidator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingInvalidator) DeleteURLPrefix(context.Context, string) (int, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return 0, nil
}

func TestCoordinator_SingleFlightCoalesces(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := &upstreamRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, &queue.Mutation{URL: "/api/users/5", Method: http.MethodPut})
	require.NoError(t, err)

	inv := &blockingInvalidator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(q, mustParse(t, srv.URL), events.NewBroadcaster(), WithInvalidator(inv))

	done := make(chan *PassResult, 1)
	go func() {
		done <- c.RunPass(ctx)
	}()

	<-inv.entered
	assert.Equal(StateSyncing, c.State())

	// triggers during the pass return immediately and coalesce into
	// exactly one follow-up pass
	assert.Nil(c.RunPass(ctx))
	assert.Nil(c.RunPass(ctx))
	assert.Nil(c.RunPass(ctx))

	close(inv.release)
	result := <-done

	require.NotNil(t, result)
	assert.Equal(1, result.Synced)
	assert.Equal(StateIdle, c.State())

	// one original replay; the coalesced follow-up saw an empty queue
	assert.Equal([]string{"/api/users/5"}, rec.seen())
}

// captureInvalidator records eviction prefixes.
type captureInvalidator struct {
	mu       sync.Mutex
	prefixes []string
}

func (c *captureInvalidator) DeleteURLPrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append(c.prefixes, prefix)
	return 1, nil
}

func TestCoordinator_InvalidatesResourceFamily(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(&upstreamRecorder{})
	defer srv.Close()

	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, &queue.Mutation{URL: "/api/purchase-orders/42", Method: http.MethodPut})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &queue.Mutation{URL: "/api/vendors", Method: http.MethodPost})
	require.NoError(t, err)

	inv := &captureInvalidator{}
	c := New(q, mustParse(t, srv.URL), events.NewBroadcaster(), WithInvalidator(inv))
	c.RunPass(ctx)

	// item-level PUT evicts the collection, POST evicts its own path
	assert.Equal([]string{"/api/purchase-orders", "/api/vendors"}, inv.prefixes)
}

func TestCoordinator_TriggerSyncNeverBlocks(t *testing.T) {
	q := newTestQueue(t)
	c := New(q, mustParse(t, "http://localhost:0"), events.NewBroadcaster())

	for i := 0; i < 10; i++ {
		c.TriggerSync()
	}
}

func TestProbe_TriggersSyncOnRecovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := &upstreamRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, &queue.Mutation{URL: "/api/assets/9", Method: http.MethodPatch})
	require.NoError(t, err)

	c := New(q, mustParse(t, srv.URL), events.NewBroadcaster())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(runCtx)

	p := NewProbe(mustParse(t, srv.URL), c)

	// simulate going offline: probe against a dead address
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := mustParse(t, dead.URL)
	dead.Close()

	offline := NewProbe(deadURL, c)
	assert.False(offline.Check(ctx))

	// recovery path: previous state offline, now reachable
	p.mu.Lock()
	p.online = false
	p.mu.Unlock()

	assert.True(p.Check(ctx))
	assert.True(p.Online())

	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
