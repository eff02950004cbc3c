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

// Package backend contains the key/value stores used as stats cache.
//
// A Backend never distinguishes between an expired and a missing entry: both
// are reported as a miss. Set always overwrites the value and resets its TTL.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Backend is a key/value store with per entry TTL.
type Backend interface {
	// Get returns the value stored at key. found is false for missing or expired entries.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value at key for ttl. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
}

// Key namespaces. Entity scoped keys are suffixed with the player id.
const (
	StatsPrefix        = "stats:"
	ProfilePrefix      = "profile:"
	AchievementsPrefix = "achievements:"
	LeaderboardPrefix  = "leaderboard:"
	AggregatePrefix    = "aggregate:"
)

// AggregatePrefixes are the namespaces that hold data derived from more than one player.
var AggregatePrefixes = []string{LeaderboardPrefix, AggregatePrefix}

func StatsKey(playerID string) string {
	return StatsPrefix + playerID
}

func LeaderboardKey(stat string, limit int) string {
	return fmt.Sprintf("%s%s:%d", LeaderboardPrefix, stat, limit)
}

// EntityKeys returns every cache key scoped to a single player.
func EntityKeys(playerID string) []string {
	return []string{
		StatsPrefix + playerID,
		ProfilePrefix + playerID,
		AchievementsPrefix + playerID,
	}
}
