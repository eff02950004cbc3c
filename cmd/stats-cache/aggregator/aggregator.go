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

// Package aggregator merges the canonical schema, the persisted store and
// the detail source into one complete stat map per player.
package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
)

var ErrSchemaUnavailable = errors.New("canonical schema unavailable")

var sourceFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "statscache_source_failures_total",
		Help: "Number of stat sources that contributed nothing because they failed",
	},
	[]string{"source"},
)

type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, playerID string) (map[string]any, bool, error)
}

type DetailReader interface {
	ReadDetail(ctx context.Context, playerID string) (detail.Snapshot, bool, error)
}

type Aggregator struct {
	schema *schema.Schema
	store  SnapshotReader
	detail DetailReader
	// sourceTimeout bounds each source read, 0 leaves it to the caller's context.
	sourceTimeout time.Duration
}

// New creates an aggregator. store and details may be nil, they then never contribute.
func New(s *schema.Schema, store SnapshotReader, details DetailReader, sourceTimeout time.Duration) *Aggregator {
	return &Aggregator{schema: s, store: store, detail: details, sourceTimeout: sourceTimeout}
}

func (a *Aggregator) Schema() *schema.Schema {
	return a.schema
}

// Aggregate returns the complete stat map of a player. Unreachable or malformed
// sources are logged and skipped; the only error is a missing schema.
func (a *Aggregator) Aggregate(ctx context.Context, playerID string) (shared.StatMap, error) {
	if a.schema == nil || a.schema.Len() == 0 {
		return nil, ErrSchemaUnavailable
	}
	stats := a.schema.BaseMap()

	if a.store != nil {
		a.overlay(stats, a.persisted(ctx, playerID))
	}
	if a.detail != nil {
		a.overlay(stats, a.details(ctx, playerID))
	}
	return stats, nil
}

func (a *Aggregator) overlay(base, top shared.StatMap) {
	for k, v := range top {
		if _, ok := base[k]; ok {
			base[k] = v
		}
	}
}

func (a *Aggregator) persisted(ctx context.Context, playerID string) shared.StatMap {
	ctx, cancel := helper.WithOptionalTimeout(ctx, a.sourceTimeout)
	defer cancel()
	fields, found, err := a.store.ReadSnapshot(ctx, playerID)
	if err != nil {
		sourceFailures.WithLabelValues("persisted").Inc()
		zap.S().Warnw("Persisted store unavailable, skipping overlay", "player", playerID, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return ParseFields(a.schema, fields)
}

func (a *Aggregator) details(ctx context.Context, playerID string) shared.StatMap {
	ctx, cancel := helper.WithOptionalTimeout(ctx, a.sourceTimeout)
	defer cancel()
	snap, found, err := a.detail.ReadDetail(ctx, playerID)
	if err != nil {
		sourceFailures.WithLabelValues("detail").Inc()
		zap.S().Warnw("Detail source unavailable, skipping overlay", "player", playerID, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return ParseDetail(a.schema, snap)
}
