package cachedb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajaytamvada/procleo-offline-cache/config"
	"github.com/ajaytamvada/procleo-offline-cache/policy"
)

func TestSweeper_RunOnceExpiresOldEntries(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t)

	engine := policy.New(config.Default(), policy.WithNow(func() time.Time { return now }))

	fresh := testEntry("fresh", "/api/dashboard/summary")
	fresh.StoredAt = now.Add(-5 * time.Minute)
	assert.NoError(db.Put(ctx, "dashboard", fresh))

	stale := testEntry("stale", "/api/vendors")
	stale.StoredAt = now.Add(-45 * time.Minute)
	assert.NoError(db.Put(ctx, "http", stale))

	sweeper := NewSweeper(db, engine, WithSweeperNow(func() time.Time { return now }))
	result := sweeper.RunOnce(ctx)

	assert.Equal(1, result.Expired)
	assert.Equal(0, result.Evicted)
	assert.Equal(0, result.Errors)
	assert.Greater(result.BytesFreed, int64(0))

	_, err := db.Get(ctx, "http", "stale")
	assert.ErrorIs(err, ErrNotFound)

	_, err = db.Get(ctx, "dashboard", "fresh")
	assert.NoError(err)

	assert.True(now.Equal(sweeper.LastSweep()))
}

func TestSweeper_RunOnceAppliesEviction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t)

	engine := policy.New(config.Default(), policy.WithNow(func() time.Time { return now }))

	oldest := testEntry("oldest", "/api/assets/1")
	oldest.StoredAt = now.Add(-20 * time.Minute)
	assert.NoError(db.Put(ctx, "http", oldest))

	newest := testEntry("newest", "/api/assets/2")
	newest.StoredAt = now.Add(-time.Minute)
	assert.NoError(db.Put(ctx, "http", newest))

	// cap below the combined size so the oldest entry is evicted
	usage, err := db.SizeOf(ctx, "http")
	assert.NoError(err)

	sweeper := NewSweeper(db, engine,
		WithSweeperNow(func() time.Time { return now }),
		WithStrategy(policy.SizeCap{MaxBytes: usage.Bytes - 1}),
	)
	result := sweeper.RunOnce(ctx)

	assert.Equal(0, result.Expired)
	assert.Equal(1, result.Evicted)

	_, err = db.Get(ctx, "http", "oldest")
	assert.ErrorIs(err, ErrNotFound)

	_, err = db.Get(ctx, "http", "newest")
	assert.NoError(err)
}

func TestSweeper_StartStop(t *testing.T) {
	db := newTestBoltDB(t)
	engine := policy.New(config.Default())

	sweeper := NewSweeper(db, engine, WithSweepInterval(10*time.Millisecond))
	sweeper.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	assert.False(t, sweeper.LastSweep().IsZero())
}
