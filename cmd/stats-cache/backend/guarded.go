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

package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/united-manufacturing-hub/stats-cache/internal"
)

const DefaultTrackedKeys = 65536

// Token marks the moment a cache fill started reading its sources.
type Token uint64

// GuardedBackend records when keys were removed, so a fill that read its
// sources before a removal can no longer write its result back afterwards.
//
// Removals are tracked per key in an LRU. Once a key is evicted from it, its
// removal is folded into a floor that makes every older fill count as stale.
type GuardedBackend struct {
	Backend

	mu       sync.RWMutex
	clock    uint64
	floor    uint64
	removed  *lru.Cache
	prefixes map[string]uint64
}

// NewGuardedBackend wraps inner. tracked bounds the number of keys whose removal is remembered.
func NewGuardedBackend(inner Backend, tracked int) (*GuardedBackend, error) {
	if tracked <= 0 {
		tracked = DefaultTrackedKeys
	}
	g := &GuardedBackend{Backend: inner, prefixes: make(map[string]uint64)}
	removed, err := lru.NewWithEvict(tracked, func(_ interface{}, value interface{}) {
		// called with mu held by the writer that added the entry
		if gen := value.(uint64); gen > g.floor {
			g.floor = gen
		}
	})
	if err != nil {
		return nil, err
	}
	g.removed = removed
	return g, nil
}

// Token returns the token a fill takes before reading its sources.
func (g *GuardedBackend) Token() Token {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Token(g.clock)
}

// SetIfUnchanged stores value unless key was removed after token was taken.
// It reports whether the value was written.
func (g *GuardedBackend) SetIfUnchanged(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	// A removal waits for the write lock, so it either happens before the
	// check or deletes what is written here.
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.changedSince(key, uint64(token)) {
		return false, nil
	}
	return true, g.Backend.Set(ctx, key, value, ttl)
}

// changedSince must be called with mu held.
func (g *GuardedBackend) changedSince(key string, since uint64) bool {
	if g.floor > since {
		return true
	}
	if gen, ok := g.removed.Peek(internal.FingerprintStrings(key)); ok && gen.(uint64) > since {
		return true
	}
	for prefix, gen := range g.prefixes {
		if gen > since && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (g *GuardedBackend) Delete(ctx context.Context, keys ...string) error {
	g.mu.Lock()
	g.clock++
	for _, k := range keys {
		g.removed.Add(internal.FingerprintStrings(k), g.clock)
	}
	g.mu.Unlock()
	return g.Backend.Delete(ctx, keys...)
}

func (g *GuardedBackend) DeletePrefix(ctx context.Context, prefix string) error {
	g.mu.Lock()
	g.clock++
	g.prefixes[prefix] = g.clock
	g.mu.Unlock()
	return g.Backend.DeletePrefix(ctx, prefix)
}

func (g *GuardedBackend) Clear(ctx context.Context) error {
	g.mu.Lock()
	g.clock++
	g.floor = g.clock
	g.prefixes = make(map[string]uint64)
	g.mu.Unlock()
	return g.Backend.Clear(ctx)
}
