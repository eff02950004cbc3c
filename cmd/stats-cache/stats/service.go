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

// Package stats is the read path of the stats cache: single and batch lookups,
// invalidation and leaderboards, all backed by a cache backend.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/backend"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
)

const (
	DefaultTTL              = 5 * time.Minute
	DefaultChunkSize        = 25
	MinChunkSize            = 10
	MaxChunkSize            = 50
	DefaultWorkers          = 8
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

var (
	ErrInvalidLimit    = errors.New("invalid leaderboard limit")
	ErrNoLeaderboard   = errors.New("no leaderboard source configured")
	ErrInvalidPlayerID = errors.New("player id must not be empty")
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statscache_cache_hits_total",
		Help: "Number of stat lookups answered from the cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statscache_cache_misses_total",
		Help: "Number of stat lookups that had to be aggregated",
	})
	staleWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statscache_stale_writes_skipped_total",
		Help: "Number of cache write-backs dropped because the entry was invalidated meanwhile",
	})
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statscache_batch_unique_ids",
		Help:    "Number of unique ids per batch lookup",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Aggregator builds a complete stat map for a player.
type Aggregator interface {
	Aggregate(ctx context.Context, playerID string) (shared.StatMap, error)
	Schema() *schema.Schema
}

// Cache is a backend that can refuse write-backs made stale by a removal.
type Cache interface {
	backend.Backend
	Token() backend.Token
	SetIfUnchanged(ctx context.Context, key string, value []byte, ttl time.Duration, token backend.Token) (bool, error)
}

type LeaderboardSource interface {
	TopStat(ctx context.Context, key string, limit int) ([]shared.LeaderboardEntry, error)
}

type Config struct {
	TTL       time.Duration
	ChunkSize int
	Workers   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < MinChunkSize {
		c.ChunkSize = MinChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

type Service struct {
	cache      Cache
	aggregator Aggregator
	board      LeaderboardSource
	cfg        Config
}

// NewService wires the read path. board may be nil if leaderboards are not served.
func NewService(cache Cache, aggregator Aggregator, board LeaderboardSource, cfg Config) *Service {
	return &Service{
		cache:      cache,
		aggregator: aggregator,
		board:      board,
		cfg:        cfg.withDefaults(),
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

// Get returns the complete stat map of a player, from the cache if possible.
// Missing sources never cause an error, only an unavailable schema does.
func (s *Service) Get(ctx context.Context, playerID string) (shared.StatMap, error) {
	if playerID == "" {
		return nil, ErrInvalidPlayerID
	}
	if stats, ok := s.lookup(ctx, playerID); ok {
		return stats, nil
	}
	return s.fetch(ctx, playerID)
}

// Invalidate drops every cached entry of a player, so the next read aggregates again.
func (s *Service) Invalidate(ctx context.Context, playerID string) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}
	if err := s.cache.Delete(ctx, backend.EntityKeys(playerID)...); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", playerID, err)
	}
	return nil
}

// Refresh invalidates a player and returns the freshly aggregated stats.
func (s *Service) Refresh(ctx context.Context, playerID string) (shared.StatMap, error) {
	if err := s.Invalidate(ctx, playerID); err != nil {
		zap.S().Warnw("Invalidation before refresh failed", "player", playerID, "error", err)
	}
	return s.fetch(ctx, playerID)
}

// lookup reads a cached map. Entries that cannot be decoded or no longer
// match the schema are treated as misses.
func (s *Service) lookup(ctx context.Context, playerID string) (shared.StatMap, bool) {
	raw, found, err := s.cache.Get(ctx, backend.StatsKey(playerID))
	if err != nil {
		zap.S().Warnw("Cache lookup failed", "player", playerID, "error", err)
		cacheMisses.Inc()
		return nil, false
	}
	if !found {
		cacheMisses.Inc()
		return nil, false
	}
	var stats shared.StatMap
	if err = json.Unmarshal(raw, &stats); err != nil || !s.complete(stats) {
		zap.S().Debugf("Discarding stale cache entry of %s", playerID)
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return stats, true
}

func (s *Service) complete(stats shared.StatMap) bool {
	sch := s.aggregator.Schema()
	if sch == nil || len(stats) != sch.Len() {
		return false
	}
	for k := range stats {
		if !sch.Has(k) {
			return false
		}
	}
	return true
}

// fetch aggregates a player and writes the result back to the cache, unless
// the player was invalidated while its sources were read.
func (s *Service) fetch(ctx context.Context, playerID string) (shared.StatMap, error) {
	token := s.cache.Token()
	stats, err := s.aggregator.Aggregate(ctx, playerID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, backend.StatsKey(playerID), stats, token)
	return stats, nil
}

func (s *Service) store(ctx context.Context, key string, value any, token backend.Token) {
	raw, err := json.Marshal(value)
	if err != nil {
		zap.S().Errorw("Failed to encode cache entry", "key", key, "error", err)
		return
	}
	written, err := s.cache.SetIfUnchanged(ctx, key, raw, s.cfg.TTL, token)
	if err != nil {
		zap.S().Warnw("Failed to write cache entry", "key", key, "error", err)
		return
	}
	if !written {
		staleWrites.Inc()
		zap.S().Debugf("Skipped cache write of %s, it was invalidated during the fetch", key)
	}
}

// Leaderboard returns the top limit players for a schema key.
func (s *Service) Leaderboard(ctx context.Context, key string, limit int) ([]shared.LeaderboardEntry, error) {
	if s.board == nil {
		return nil, ErrNoLeaderboard
	}
	if limit == 0 {
		limit = DefaultLeaderboardLimit
	}
	if limit < 0 || limit > MaxLeaderboardLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	sch := s.aggregator.Schema()
	if sch == nil || !sch.Has(key) {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownKey, key)
	}

	cacheKey := backend.LeaderboardKey(key, limit)
	raw, found, err := s.cache.Get(ctx, cacheKey)
	if err == nil && found {
		var entries []shared.LeaderboardEntry
		if err = json.Unmarshal(raw, &entries); err == nil {
			cacheHits.Inc()
			return entries, nil
		}
	}
	cacheMisses.Inc()

	token := s.cache.Token()
	entries, err := s.board.TopStat(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build leaderboard for %s: %w", key, err)
	}
	s.store(ctx, cacheKey, entries, token)
	return entries, nil
}
