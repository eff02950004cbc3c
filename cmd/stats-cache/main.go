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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/aggregator"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/api"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/backend"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/changefeed"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/postgresql"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/stats"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/syncer"
	"github.com/united-manufacturing-hub/stats-cache/internal"
	"go.uber.org/zap"
)

var redisUp = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "statscache_redis_up",
	Help: "1 if the primary cache backend answered the last ping",
})

func main() {
	helper.InitLogging()
	cfg := LoadConfig()
	InitPrometheus()

	ctx, cancel := context.WithCancel(context.Background())

	sch, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		zap.S().Fatalf("Failed to load stat schema: %s", err)
	}
	zap.S().Infof("Loaded stat schema %s with %d keys", sch.Version(), sch.Len())

	store, err := postgresql.Connect(ctx, cfg.Postgres)
	if err != nil {
		zap.S().Fatalf("Failed to connect to postgres: %s", err)
	}
	if err = store.EnsureSchema(ctx); err != nil {
		zap.S().Fatalf("Failed to prepare postgres schema: %s", err)
	}

	redisBackend := backend.NewRedisBackend(cfg.Redis)
	cache, err := backend.NewGuardedBackend(
		backend.NewFallbackBackend(redisBackend, backend.NewMemoryBackend(cfg.MemoryCleanup)),
		cfg.TrackedKeys,
	)
	if err != nil {
		zap.S().Fatalf("Failed to create cache backend: %s", err)
	}
	go watchRedis(ctx, redisBackend)

	var details aggregator.DetailReader
	if cfg.DetailURL != "" {
		details = detail.NewClient(cfg.DetailURL, cfg.SourceTimeout)
	} else {
		zap.S().Infof("DETAIL_SOURCE_URL not set, detail overlay disabled")
	}
	agg := aggregator.New(sch, store, details, cfg.SourceTimeout)
	statsService := stats.NewService(cache, agg, store, cfg.Stats)

	listener := changefeed.NewListener(postgresql.NewChangeFeed(cfg.Postgres, 10*time.Second, time.Minute), cache, cfg.ChangeFeed)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		listener.Run(ctx)
	}()

	syncService := syncer.NewService(agg, store, statsService, cfg.Sync)
	go syncService.Schedule(ctx, cfg.SyncInterval)

	InitHealthCheck(store)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           api.NewRouter(ctx, statsService, syncService, store, sch),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zap.S().Infof("Serving API on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalf("Error starting API: %s", err)
		}
	}()

	gs := internal.NewGracefulShutdown(func(shutdownCtx context.Context) error {
		zap.S().Debugf("Shutting down API")
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnw("API did not shut down cleanly", "error", err)
		}
		// stops the listener and lets a running bulk sync end at its next batch boundary
		cancel()
		select {
		case <-listenerDone:
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
		for syncService.Running() {
			select {
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		store.Close()
		return redisBackend.Close()
	})
	gs.Wait()
	_ = zap.S().Sync()
}

func InitPrometheus() {
	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(store *postgresql.Store) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	health.AddReadinessCheck("database", store.GetHealthCheck())
	health.AddLivenessCheck("database", store.GetHealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

// watchRedis exports the primary backend state. Redis being down is not a
// readiness failure, the fallback backend keeps serving.
func watchRedis(ctx context.Context, rdb *backend.RedisBackend) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if err := rdb.Ping(ctx); err != nil {
			redisUp.Set(0)
			zap.S().Debugf("Redis ping failed: %s", err)
		} else {
			redisUp.Set(1)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
