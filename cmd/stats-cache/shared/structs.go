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

package shared

import (
	"time"
)

// StatKey is the flattened name of a single statistic, e.g. "dirt_mined".
type StatKey = string

// StatMap maps every schema key of one player to its value.
type StatMap map[StatKey]float64

// Clone returns an independent copy of m.
func (m StatMap) Clone() StatMap {
	c := make(StatMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Equal reports whether both maps hold the same keys with the same values.
func (m StatMap) Equal(o StatMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	// OpResync is emitted by a feed that might have lost notifications,
	// e.g. after a reconnect. It invalidates everything.
	OpResync OpKind = "resync"
)

// InvalidationEvent is a single mutation notification of the persisted stats table.
type InvalidationEvent struct {
	PlayerID  string    `json:"player_id"`
	Op        OpKind    `json:"op"`
	Timestamp time.Time `json:"ts"`
}

// SyncResult is the outcome of one bulk sync run.
type SyncResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Total   int      `json:"total"`
	Errors  []string `json:"errors"`
}

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	Rank     int     `json:"rank"`
	PlayerID string  `json:"player_id"`
	Value    float64 `json:"value"`
}
