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

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/aggregator"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
)

func init() {
	helper.InitTestLogging()
}

// memStore keeps upserted maps in memory. Reads can be made to fail
// independently of writes.
type memStore struct {
	mu          sync.Mutex
	ids         []string
	sources     map[string]map[string]any
	upserted    map[string]shared.StatMap
	writes      int
	readErr     error
	listErr     error
	upsertErrOn map[string]bool
}

func newMemStore(ids ...string) *memStore {
	return &memStore{
		ids:         ids,
		sources:     map[string]map[string]any{},
		upserted:    map[string]shared.StatMap{},
		upsertErrOn: map[string]bool{},
	}
}

func (m *memStore) ReadSnapshot(_ context.Context, id string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	s, ok := m.sources[id]
	return s, ok, nil
}

func (m *memStore) UpsertSnapshot(_ context.Context, id string, stats shared.StatMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErrOn[id] {
		return errors.New("write rejected")
	}
	if prev, ok := m.upserted[id]; ok && prev.Equal(stats) {
		return nil
	}
	m.upserted[id] = stats.Clone()
	m.writes++
	return nil
}

func (m *memStore) ListPlayerIDs(context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.ids...), nil
}

type unreachableDetail struct{}

func (unreachableDetail) ReadDetail(context.Context, string) (detail.Snapshot, bool, error) {
	return nil, false, errors.New("dial tcp: connection refused")
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
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

func newTestService(t *testing.T, store *memStore, cfg Config) (*Service, *recordingInvalidator) {
	inv := &recordingInvalidator{}
	agg := aggregator.New(testSchema(t), store, unreachableDetail{}, 0)
	return NewService(agg, store, inv, cfg), inv
}

func TestSyncOneWithUnreachableSources(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("connection refused")
	svc, inv := newTestService(t, store, Config{})

	assert.True(t, svc.SyncOne(context.Background(), "P2"))
	assert.Equal(t, shared.StatMap{"dirt_mined": 0, "jump": 0, "death": 0}, store.upserted["P2"])
	assert.Equal(t, []string{"P2"}, inv.ids)
}

func TestSyncOneFailures(t *testing.T) {
	store := newMemStore()
	store.upsertErrOn["P1"] = true
	svc, inv := newTestService(t, store, Config{})

	assert.False(t, svc.SyncOne(context.Background(), "P1"))
	assert.False(t, svc.SyncOne(context.Background(), ""))
	assert.Empty(t, inv.ids)

	noSchema := NewService(aggregator.New(nil, store, nil, 0), store, nil, Config{})
	assert.False(t, noSchema.SyncOne(context.Background(), "P3"))
}

func TestSyncAll(t *testing.T) {
	store := newMemStore("a", "b", "c", "d", "e", "f", "g")
	store.sources["a"] = map[string]any{"jump": float64(3)}
	store.upsertErrOn["c"] = true
	svc, inv := newTestService(t, store, Config{BatchSize: 3, BatchDelay: time.Millisecond})

	result, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 7, result.Total)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "c: upsert")
	assert.Len(t, inv.ids, 6)
	assert.Equal(t, float64(3), store.upserted["a"]["jump"])

	status := svc.Status()
	assert.Equal(t, StateCompletedWithErrors, status.State)
	require.NotNil(t, status.Result)
	assert.Equal(t, result, *status.Result)
	assert.False(t, status.FinishedAt.IsZero())
}

func TestSyncAllIdempotent(t *testing.T) {
	store := newMemStore("a", "b", "c")
	store.sources["b"] = map[string]any{"death": float64(1)}
	svc, _ := newTestService(t, store, Config{BatchDelay: 0})

	first, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	snapshot := map[string]shared.StatMap{}
	for id, m := range store.upserted {
		snapshot[id] = m.Clone()
	}
	writes := store.writes

	second, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, store.upserted)
	assert.Equal(t, writes, store.writes)
	assert.Equal(t, StateCompleted, svc.Status().State)
}

func TestSyncAllEnumerationFailure(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("relation players does not exist")
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrEnumerationFailed)
	status := svc.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "relation players does not exist")
	assert.Nil(t, status.Result)
}

func TestSyncAllCancelAtBatchBoundary(t *testing.T) {
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("P%d", i))
	}
	store := newMemStore(ids...)
	svc, _ := newTestService(t, store, Config{BatchSize: 5, BatchDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			store.mu.Lock()
			defer store.mu.Unlock()
			return len(store.upserted) == 5
		}, time.Second, time.Millisecond)
		cancel()
	}()

	result, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Success)
	assert.Equal(t, 15, result.Failed)
	assert.Equal(t, 20, result.Total)
	assert.Len(t, store.upserted, 5)
	assert.Equal(t, StateCompletedWithErrors, svc.Status().State)
}

func TestSyncAllCanceledBeforeFirstBatch(t *testing.T) {
	store := newMemStore("a", "b", "c")
	svc, inv := newTestService(t, store, Config{BatchSize: 2, BatchDelay: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Success)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 3, result.Total)
	assert.Empty(t, store.upserted)
	assert.Empty(t, inv.ids)
	assert.Equal(t, StateCompletedWithErrors, svc.Status().State)
}

func TestSyncAllRejectsConcurrentRun(t *testing.T) {
	store := newMemStore("a", "b")
	svc, _ := newTestService(t, store, Config{BatchSize: 1, BatchDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())

	_, err := svc.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.ErrorIs(t, svc.Start(context.Background()), ErrSyncInProgress)

	cancel()
	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, time.Millisecond)
	status := svc.Status()
	assert.Equal(t, StateCompletedWithErrors, status.State)
	assert.Equal(t, 1, status.Result.Success)
	assert.Equal(t, 1, status.Result.Failed)
}

func TestStatusStartsIdle(t *testing.T) {
	svc, _ := newTestService(t, newMemStore(), Config{})
	assert.Equal(t, StateIdle, svc.Status().State)
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Empty(t, chunk(nil, 5))
}
