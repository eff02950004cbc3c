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

// Package syncer writes freshly aggregated stats back to the persisted store,
// for a single player or for every known player.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = 250 * time.Millisecond
	DefaultOpTimeout  = 5 * time.Second
)

var (
	ErrSyncInProgress    = errors.New("bulk sync already running")
	ErrEnumerationFailed = errors.New("failed to enumerate players")
	ErrPlayerLocked      = errors.New("player is being synced")
)

var (
	playersSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statscache_sync_players_total",
			Help: "Number of single player syncs by outcome",
		},
		[]string{"outcome"},
	)
	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statscache_sync_runs_total",
			Help: "Number of bulk sync runs by final state",
		},
		[]string{"state"},
	)
	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statscache_sync_duration_seconds",
		Help:    "Duration of bulk sync runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateFailed              State = "failed"
)

// Status describes the latest bulk sync run.
type Status struct {
	State      State              `json:"state"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Result     *shared.SyncResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type Aggregator interface {
	Aggregate(ctx context.Context, playerID string) (shared.StatMap, error)
}

type Store interface {
	UpsertSnapshot(ctx context.Context, playerID string, stats shared.StatMap) error
	ListPlayerIDs(ctx context.Context) ([]string, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, playerID string) error
}

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// OpTimeout bounds the sync of a single player.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	return c
}

type Service struct {
	aggregator  Aggregator
	store       Store
	invalidator Invalidator
	cfg         Config

	// locks serializes syncs of the same player.
	locks   *mapmutex.Mutex
	running atomic.Bool

	statusMu sync.RWMutex
	status   Status
}

func NewService(aggregator Aggregator, store Store, invalidator Invalidator, cfg Config) *Service {
	return &Service{
		aggregator:  aggregator,
		store:       store,
		invalidator: invalidator,
		cfg:         cfg.withDefaults(),
		locks:       mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		status:      Status{State: StateIdle},
	}
}

// SyncOne aggregates a player, upserts the result and invalidates its cache entries.
// An all zero map is a valid outcome when no source is reachable.
func (s *Service) SyncOne(ctx context.Context, playerID string) bool {
	if err := s.syncOne(ctx, playerID); err != nil {
		zap.S().Warnw("Sync failed", "player", playerID, "error", err)
		return false
	}
	return true
}

func (s *Service) syncOne(ctx context.Context, playerID string) error {
	err := s.doSync(ctx, playerID)
	if err != nil {
		playersSynced.WithLabelValues("failed").Inc()
		return err
	}
	playersSynced.WithLabelValues("success").Inc()
	return nil
}

func (s *Service) doSync(ctx context.Context, playerID string) error {
	if playerID == "" {
		return errors.New("player id must not be empty")
	}
	if !s.locks.TryLock(playerID) {
		return fmt.Errorf("%s: %w", playerID, ErrPlayerLocked)
	}
	defer s.locks.Unlock(playerID)

	ctx, cancel := helper.WithOptionalTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	stats, err := s.aggregator.Aggregate(ctx, playerID)
	if err != nil {
		return fmt.Errorf("%s: aggregate: %w", playerID, err)
	}
	if err = s.store.UpsertSnapshot(ctx, playerID, stats); err != nil {
		return fmt.Errorf("%s: upsert: %w", playerID, err)
	}
	if s.invalidator != nil {
		if err = s.invalidator.Invalidate(ctx, playerID); err != nil {
			// The stored snapshot is correct, the cache catches up on TTL expiry.
			zap.S().Warnw("Invalidation after sync failed", "player", playerID, "error", err)
		}
	}
	zap.S().Debugf("Synced %s", playerID)
	return nil
}

// SyncAll syncs every known player in batches. Only a failed enumeration
// aborts the run. Cancellation is honoured between batches; players not
// reached are counted as failed.
func (s *Service) SyncAll(ctx context.Context) (shared.SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return shared.SyncResult{}, ErrSyncInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

// Start runs SyncAll in the background.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	s.setStatus(Status{State: StateRunning, StartedAt: time.Now()})
	go func() {
		defer s.running.Store(false)
		if _, err := s.run(ctx); err != nil {
			zap.S().Errorw("Bulk sync failed", "error", err)
		}
	}()
	return nil
}

// Running reports whether a bulk sync is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	if st.Result != nil {
		r := *st.Result
		r.Errors = append([]string(nil), r.Errors...)
		st.Result = &r
	}
	return st
}

func (s *Service) setStatus(st Status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Service) run(ctx context.Context) (shared.SyncResult, error) {
	started := time.Now()
	s.setStatus(Status{State: StateRunning, StartedAt: started})

	ids, err := s.listPlayers(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrEnumerationFailed, err)
		s.finish(started, StateFailed, nil, err)
		return shared.SyncResult{}, err
	}
	zap.S().Infof("Starting bulk sync of %d players", len(ids))

	result := shared.SyncResult{Total: len(ids), Errors: []string{}}
	batches := chunk(ids, s.cfg.BatchSize)
	for i, batch := range batches {
		if !s.pause(ctx, i > 0) {
			skipped := 0
			for _, rest := range batches[i:] {
				skipped += len(rest)
			}
			result.Failed += skipped
			result.Errors = append(result.Errors, fmt.Sprintf("sync canceled, %d players not synced", skipped))
			zap.S().Warnf("Bulk sync canceled after %d of %d batches", i, len(batches))
			break
		}
		// a started batch runs to completion, bounded by the per player timeout
		s.syncBatch(context.WithoutCancel(ctx), batch, &result)
	}

	state := StateCompleted
	if result.Failed > 0 {
		state = StateCompletedWithErrors
	}
	s.finish(started, state, &result, nil)
	zap.S().Infow("Bulk sync finished",
		"state", state,
		"success", result.Success,
		"failed", result.Failed,
		"total", result.Total,
	)
	return result, nil
}

func (s *Service) listPlayers(ctx context.Context) ([]string, error) {
	ctx, cancel := helper.WithOptionalTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return s.store.ListPlayerIDs(ctx)
}

// pause is the cancellation point before every batch. It waits BatchDelay
// if wait is set and returns false if ctx ends first.
func (s *Service) pause(ctx context.Context, wait bool) bool {
	if ctx.Err() != nil {
		return false
	}
	if !wait || s.cfg.BatchDelay == 0 {
		return true
	}
	timer := time.NewTimer(s.cfg.BatchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) syncBatch(ctx context.Context, batch []string, result *shared.SyncResult) {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, id := range batch {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.syncOne(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Success++
	}
}

func (s *Service) finish(started time.Time, state State, result *shared.SyncResult, err error) {
	st := Status{State: state, StartedAt: started, FinishedAt: time.Now()}
	if result != nil {
		r := *result
		st.Result = &r
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.setStatus(st)
	syncRuns.WithLabelValues(string(state)).Inc()
	syncDuration.Observe(time.Since(started).Seconds())
}

// Schedule runs a bulk sync every interval until ctx is done.
func (s *Service) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					zap.S().Infof("Skipping scheduled bulk sync, one is already running")
					continue
				}
				zap.S().Errorw("Scheduled bulk sync failed", "error", err)
			}
		}
	}
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
