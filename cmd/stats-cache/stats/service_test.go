// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/aggregator"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/backend"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
)

func init() {
	helper.InitTestLogging()
}

type memStore struct {
	mu        sync.Mutex
	snapshots map[string]map[string]any
	failFor   map[string]bool
	reads     atomic.Int64
}

func (m *memStore) ReadSnapshot(_ context.Context, id string) (map[string]any, bool, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[id] {
		return nil, false, errors.New("unreachable")
	}
	s, ok := m.snapshots[id]
	return s, ok, nil
}

func (m *memStore) set(id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = fields
}

// pausingStore hands out one snapshot read and then blocks until released,
// like a slow read that started before a concurrent mutation.
type pausingStore struct {
	*memStore
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) ReadSnapshot(ctx context.Context, id string) (map[string]any, bool, error) {
	fields, found, err := p.memStore.ReadSnapshot(ctx, id)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return fields, found, err
}

type failingDetail struct{}

func (failingDetail) ReadDetail(context.Context, string) (detail.Snapshot, bool, error) {
	return nil, false, errors.New("unreachable")
}

// gatedAggregator tracks how many aggregations run at once.
type gatedAggregator struct {
	*aggregator.Aggregator
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (g *gatedAggregator) Aggregate(ctx context.Context, id string) (shared.StatMap, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return g.Aggregator.Aggregate(ctx, id)
}

type fakeBoard struct {
	calls atomic.Int64
}

func (f *fakeBoard) TopStat(_ context.Context, key string, limit int) ([]shared.LeaderboardEntry, error) {
	f.calls.Add(1)
	return []shared.LeaderboardEntry{{Rank: 1, PlayerID: "P1", Value: 5}}, nil
}

func testSchema(t *testing.T) *schema.Schema {
	s, err := schema.New("test", []schema.Pair{
		{Category: "mined", Name: "dirt"},
		{Category: "custom", Name: "jump"},
		{Category: "custom", Name: "death"},
	})
	require.NoError(t, err)
	return s
}

func newCache(t *testing.T) *backend.GuardedBackend {
	cache, err := backend.NewGuardedBackend(backend.NewMemoryBackend(time.Minute), 0)
	require.NoError(t, err)
	return cache
}

func newTestService(t *testing.T, store *memStore, cfg Config) (*Service, *backend.GuardedBackend) {
	cache := newCache(t)
	agg := aggregator.New(testSchema(t), store, failingDetail{}, 0)
	return NewService(cache, agg, &fakeBoard{}, cfg), cache
}

func newStore() *memStore {
	return &memStore{snapshots: map[string]map[string]any{}, failFor: map[string]bool{}}
}

func TestGetCachesResult(t *testing.T) {
	store := newStore()
	store.set("P1", map[string]any{"jump": float64(5)})
	svc, _ := newTestService(t, store, Config{TTL: time.Minute})
	ctx := context.Background()

	first, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, shared.StatMap{"dirt_mined": 0, "jump": 5, "death": 0}, first)

	// the source changes, but the cached map is served within the TTL
	store.set("P1", map[string]any{"jump": float64(7)})
	second, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), store.reads.Load())
}

func TestInvalidateForcesFreshRead(t *testing.T) {
	store := newStore()
	store.set("P1", map[string]any{"jump": float64(5)})
	svc, _ := newTestService(t, store, Config{})
	ctx := context.Background()

	_, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	store.set("P1", map[string]any{"jump": float64(7)})

	require.NoError(t, svc.Invalidate(ctx, "P1"))
	stats, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, float64(7), stats["jump"])

	store.set("P1", map[string]any{"jump": float64(8)})
	stats, err = svc.Refresh(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, float64(8), stats["jump"])
}

func TestGetExpires(t *testing.T) {
	store := newStore()
	store.set("P1", map[string]any{"jump": float64(5)})
	svc, _ := newTestService(t, store, Config{TTL: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	store.set("P1", map[string]any{"jump": float64(6)})
	time.Sleep(60 * time.Millisecond)

	stats, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, float64(6), stats["jump"])
}

func TestGetDiscardsIncompleteCacheEntry(t *testing.T) {
	store := newStore()
	svc, cache := newTestService(t, store, Config{})
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, backend.StatsKey("P1"), []byte(`{"jump":3}`), time.Minute))
	stats, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, stats, 3)
	assert.Zero(t, stats["jump"])

	require.NoError(t, cache.Set(ctx, backend.StatsKey("P2"), []byte(`garbage`), time.Minute))
	stats, err = svc.Get(ctx, "P2")
	require.NoError(t, err)
	assert.Len(t, stats, 3)
}

func TestGetRejectsEmptyID(t *testing.T) {
	svc, _ := newTestService(t, newStore(), Config{})
	_, err := svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidPlayerID)
}

func TestGetWithoutSchema(t *testing.T) {
	svc := NewService(newCache(t), aggregator.New(nil, nil, nil, 0), nil, Config{})
	_, err := svc.Get(context.Background(), "P1")
	assert.ErrorIs(t, err, aggregator.ErrSchemaUnavailable)

	_, err = svc.GetBatch(context.Background(), []string{"P1"})
	assert.ErrorIs(t, err, aggregator.ErrSchemaUnavailable)
}

func TestGetBatchCompleteness(t *testing.T) {
	store := newStore()
	store.set("a", map[string]any{"jump": float64(1)})
	store.set("c", map[string]any{"death": float64(3)})
	store.failFor["b"] = true
	svc, _ := newTestService(t, store, Config{})

	result, err := svc.GetBatch(context.Background(), []string{"a", "b", "c", "a", "b"})
	require.NoError(t, err)
	assert.Len(t, result, 3)
	assert.Equal(t, float64(1), result["a"]["jump"])
	assert.Equal(t, shared.StatMap{"dirt_mined": 0, "jump": 0, "death": 0}, result["b"])
	assert.Equal(t, float64(3), result["c"]["death"])
}

func TestGetBatchUsesCache(t *testing.T) {
	store := newStore()
	store.set("a", map[string]any{"jump": float64(1)})
	svc, _ := newTestService(t, store, Config{})
	ctx := context.Background()

	_, err := svc.Get(ctx, "a")
	require.NoError(t, err)
	store.set("a", map[string]any{"jump": float64(2)})

	result, err := svc.GetBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), result["a"]["jump"])
	assert.Equal(t, int64(2), store.reads.Load())

	// misses were written back
	result, err = svc.GetBatch(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Equal(t, int64(2), store.reads.Load())
}

func TestGetBatchBoundedConcurrency(t *testing.T) {
	store := newStore()
	gated := &gatedAggregator{Aggregator: aggregator.New(testSchema(t), store, nil, 0)}
	svc := NewService(newCache(t), gated, nil, Config{ChunkSize: 10, Workers: 3})

	ids := make([]string, 0, 35)
	for i := 0; i < 35; i++ {
		ids = append(ids, fmt.Sprintf("P%d", i))
	}
	result, err := svc.GetBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, result, 35)
	assert.LessOrEqual(t, gated.peak.Load(), int64(3))
	assert.Greater(t, gated.peak.Load(), int64(0))
}

func TestGetBatchEmptyAndInvalid(t *testing.T) {
	svc, _ := newTestService(t, newStore(), Config{})

	result, err := svc.GetBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result)

	_, err = svc.GetBatch(context.Background(), []string{"a", ""})
	assert.ErrorIs(t, err, ErrInvalidPlayerID)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultTTL, c.TTL)
	assert.Equal(t, DefaultChunkSize, c.ChunkSize)
	assert.Equal(t, DefaultWorkers, c.Workers)

	assert.Equal(t, MinChunkSize, Config{ChunkSize: 2}.withDefaults().ChunkSize)
	assert.Equal(t, MaxChunkSize, Config{ChunkSize: 500}.withDefaults().ChunkSize)
}

func TestChunksAndDedupe(t *testing.T) {
	ids, err := dedupe([]string{"a", "b", "a", "c", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
	assert.Empty(t, chunks(nil, 2))
}

func TestLeaderboard(t *testing.T) {
	store := newStore()
	cache := newCache(t)
	board := &fakeBoard{}
	svc := NewService(cache, aggregator.New(testSchema(t), store, nil, 0), board, Config{})
	ctx := context.Background()

	entries, err := svc.Leaderboard(ctx, "jump", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	_, found, _ := cache.Get(ctx, backend.LeaderboardKey("jump", DefaultLeaderboardLimit))
	assert.True(t, found)

	_, err = svc.Leaderboard(ctx, "jump", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), board.calls.Load())

	_, err = svc.Leaderboard(ctx, "unknown", 5)
	assert.ErrorIs(t, err, schema.ErrUnknownKey)
	_, err = svc.Leaderboard(ctx, "jump", 1000)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	noBoard := NewService(cache, aggregator.New(testSchema(t), store, nil, 0), nil, Config{})
	_, err = noBoard.Leaderboard(ctx, "jump", 5)
	assert.ErrorIs(t, err, ErrNoLeaderboard)
}

func TestInvalidationDuringFetchIsNotOverwritten(t *testing.T) {
	store := newStore()
	store.set("P1", map[string]any{"jump": float64(5)})
	slow := &pausingStore{memStore: store, read: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(newCache(t), aggregator.New(testSchema(t), slow, nil, 0), nil, Config{})
	ctx := context.Background()

	done := make(chan shared.StatMap)
	go func() {
		stats, err := svc.Get(ctx, "P1")
		assert.NoError(t, err)
		done <- stats
	}()

	// the fetch has read jump=5, now the player changes and is invalidated
	<-slow.read
	store.set("P1", map[string]any{"jump": float64(7)})
	require.NoError(t, svc.Invalidate(ctx, "P1"))
	close(slow.release)
	assert.Equal(t, float64(5), (<-done)["jump"])

	stats, err := svc.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, float64(7), stats["jump"])
}
