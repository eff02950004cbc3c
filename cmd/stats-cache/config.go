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
	"strings"
	"time"

	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/backend"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/changefeed"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/postgresql"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/stats"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/syncer"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type Config struct {
	Postgres      postgresql.Config
	Redis         backend.RedisOptions
	MemoryCleanup time.Duration
	TrackedKeys   int
	DetailURL     string
	SourceTimeout time.Duration
	SchemaPath    string
	Stats         stats.Config
	ChangeFeed    changefeed.Config
	Sync          syncer.Config
	SyncInterval  time.Duration
	APIPort       int
}

func getString(key string, required bool, fallback string) string {
	value, err := env.GetAsString(key, required, fallback)
	if err != nil {
		zap.S().Fatalf("Failed to get %s from env: %s", key, err)
	}
	return value
}

func getInt(key string, fallback int) int {
	value, err := env.GetAsInt(key, false, fallback)
	if err != nil {
		zap.S().Fatalf("Failed to get %s from env: %s", key, err)
	}
	return value
}

// LoadConfig reads the configuration from the environment. Invalid values are fatal.
func LoadConfig() Config {
	var cfg Config

	cfg.Postgres = postgresql.Config{
		Host:          getString("POSTGRES_HOST", false, "db"),
		Port:          getInt("POSTGRES_PORT", 5432),
		User:          getString("POSTGRES_USER", true, ""),
		Password:      getString("POSTGRES_PASSWORD", true, ""),
		Database:      getString("POSTGRES_DATABASE", true, ""),
		SSLMode:       getString("POSTGRES_SSL_MODE", false, "require"),
		NotifyChannel: getString("POSTGRES_NOTIFY_CHANNEL", false, "player_stats_changes"),
		OpTimeout:     helper.MillisToDuration(getInt("POSTGRES_OP_TIMEOUT_MS", 5000), 5*time.Second),
	}

	var addrs []string
	for _, addr := range strings.Split(getString("REDIS_URI", false, "redis:6379"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	cfg.Redis = backend.RedisOptions{
		Addrs:      addrs,
		MasterName: getString("REDIS_SENTINEL_MASTER", false, ""),
		Password:   getString("REDIS_PASSWORD", false, ""),
		DB:         getInt("REDIS_DB", 0),
		Namespace:  getString("REDIS_NAMESPACE", false, "statscache:"),
		OpTimeout:  helper.MillisToDuration(getInt("REDIS_OP_TIMEOUT_MS", 500), 500*time.Millisecond),
	}
	cfg.MemoryCleanup = time.Duration(getInt("MEMORY_CLEANUP_SECONDS", 60)) * time.Second
	cfg.TrackedKeys = getInt("INVALIDATION_TRACKED_KEYS", backend.DefaultTrackedKeys)

	cfg.DetailURL = getString("DETAIL_SOURCE_URL", false, "")
	cfg.SourceTimeout = helper.MillisToDuration(getInt("DETAIL_TIMEOUT_MS", 2000), 2*time.Second)
	cfg.SchemaPath = getString("SCHEMA_PATH", false, "")

	cfg.Stats = stats.Config{
		TTL:       time.Duration(getInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		ChunkSize: getInt("BATCH_CHUNK_SIZE", stats.DefaultChunkSize),
		Workers:   getInt("BATCH_WORKERS", stats.DefaultWorkers),
	}
	cfg.ChangeFeed = changefeed.Config{
		QueueSize: getInt("INVALIDATION_QUEUE_SIZE", changefeed.DefaultQueueSize),
		OpTimeout: cfg.Redis.OpTimeout * 4,
	}
	cfg.Sync = syncer.Config{
		BatchSize:  getInt("SYNC_BATCH_SIZE", syncer.DefaultBatchSize),
		BatchDelay: helper.MillisToDuration(getInt("SYNC_BATCH_DELAY_MS", 250), syncer.DefaultBatchDelay),
		OpTimeout:  helper.MillisToDuration(getInt("SYNC_OP_TIMEOUT_MS", 5000), syncer.DefaultOpTimeout),
	}
	cfg.SyncInterval = time.Duration(getInt("SYNC_INTERVAL_MINUTES", 0)) * time.Minute
	cfg.APIPort = getInt("API_PORT", 8080)

	return cfg
}
