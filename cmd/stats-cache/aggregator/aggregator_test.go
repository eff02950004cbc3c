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

package aggregator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
)

func init() {
	helper.InitTestLogging()
}

type fakeStore struct {
	snapshots map[string]map[string]any
	err       error
}

func (f *fakeStore) ReadSnapshot(_ context.Context, id string) (map[string]any, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	s, ok := f.snapshots[id]
	return s, ok, nil
}

type fakeDetail struct {
	snapshots map[string]detail.Snapshot
	err       error
}

func (f *fakeDetail) ReadDetail(_ context.Context, id string) (detail.Snapshot, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	s, ok := f.snapshots[id]
	return s, ok, nil
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

func TestAggregateScenario(t *testing.T) {
	s := testSchema(t)
	store := &fakeStore{snapshots: map[string]map[string]any{"P1": {"jump": float64(5)}}}
	details := &fakeDetail{snapshots: map[string]detail.Snapshot{"P1": {"custom": {"death": float64(2)}}}}

	stats, err := New(s, store, details, 0).Aggregate(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, shared.StatMap{"dirt_mined": 0, "jump": 5, "death": 2}, stats)
}

func TestAggregateDetailWins(t *testing.T) {
	s := testSchema(t)
	store := &fakeStore{snapshots: map[string]map[string]any{"P1": {"jump": float64(5)}}}
	details := &fakeDetail{snapshots: map[string]detail.Snapshot{"P1": {"minecraft:custom": {"minecraft:jump": float64(9)}}}}

	stats, err := New(s, store, details, 0).Aggregate(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, float64(9), stats["jump"])
}

func TestAggregateSourcesUnavailable(t *testing.T) {
	s := testSchema(t)
	store := &fakeStore{err: errors.New("connection refused")}
	details := &fakeDetail{err: errors.New("timeout")}

	stats, err := New(s, store, details, 0).Aggregate(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, shared.StatMap{"dirt_mined": 0, "jump": 0, "death": 0}, stats)
}

func TestAggregateCompleteness(t *testing.T) {
	s := testSchema(t)
	store := &fakeStore{snapshots: map[string]map[string]any{"P1": {"jump": float64(5), "unknown_stat": float64(3)}}}
	details := &fakeDetail{snapshots: map[string]detail.Snapshot{"P1": {"killed": {"zombie": float64(4)}}}}

	stats, err := New(s, store, details, 0).Aggregate(context.Background(), "P1")
	require.NoError(t, err)
	assert.ElementsMatch(t, s.Keys(), keysOf(stats))
}

func TestAggregateWithoutSources(t *testing.T) {
	s := testSchema(t)
	stats, err := New(s, nil, nil, 0).Aggregate(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, s.BaseMap(), stats)
}

func TestAggregateWithoutSchema(t *testing.T) {
	_, err := New(nil, nil, nil, 0).Aggregate(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrSchemaUnavailable)
}

func TestToNumber(t *testing.T) {
	valid := map[any]float64{
		float64(1.5): 1.5,
		int(3):       3,
		int64(4):     4,
		" 7 ":        7,
		"0":          0,
	}
	for in, want := range valid {
		got, ok := ToNumber(in)
		assert.True(t, ok, "%v", in)
		assert.Equal(t, want, got)
	}
	for _, in := range []any{-1.0, "abc", math.NaN(), math.Inf(1), nil, true, map[string]any{}} {
		_, ok := ToNumber(in)
		assert.False(t, ok, "%v", in)
	}
}

func TestParseBlob(t *testing.T) {
	m, err := ParseBlob("{item=5, item2=2}")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"item": 5, "item2": 2}, m)

	m, err = ParseBlob(" {} ")
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = ParseBlob("{minecraft:dirt=3}")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"dirt": 3}, m)

	for _, bad := range []string{"", "item=5", "{item=5", "{item}", "{=5}", "{item=x}", "{item=-1}"} {
		_, err = ParseBlob(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseFields(t *testing.T) {
	s := testSchema(t)
	fields := map[string]any{
		"mined":   "{dirt=12}",
		"custom":  map[string]any{"death": float64(1), "jump": "2"},
		"jump":    "5",
		"unknown": float64(1),
		"death":   "not a number",
	}
	assert.Equal(t, shared.StatMap{"dirt_mined": 12, "jump": 5, "death": 1}, ParseFields(s, fields))

	// a malformed blob contributes nothing
	assert.Empty(t, ParseFields(s, map[string]any{"mined": "{dirt=oops}"}))
}

func TestParseFieldsNamespaceCollision(t *testing.T) {
	s := testSchema(t)
	fields := map[string]any{
		"mined": map[string]any{"dirt": float64(4), "minecraft:dirt": float64(3)},
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, shared.StatMap{"dirt_mined": 3}, ParseFields(s, fields))
	}
}

func TestParseDetail(t *testing.T) {
	s := testSchema(t)
	snap := detail.Snapshot{
		"minecraft:mined":  {"minecraft:dirt": float64(3), "minecraft:stone": float64(9)},
		"minecraft:custom": {"minecraft:jump": float64(1), "minecraft:death": "bad"},
	}
	assert.Equal(t, shared.StatMap{"dirt_mined": 3, "jump": 1}, ParseDetail(s, snap))
}

func keysOf(m shared.StatMap) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
