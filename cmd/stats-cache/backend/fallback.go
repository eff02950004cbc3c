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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var fallbackTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "statscache_backend_fallback_total",
		Help: "Number of backend operations served by the secondary backend after a primary failure",
	},
	[]string{"op"},
)

// FallbackBackend tries every operation on the primary backend first and
// repeats it on the secondary if the primary returns an error. Primary
// errors are logged, never returned.
//
// Removals (Delete, DeletePrefix, Clear) are always applied to the secondary
// as well, so entries written there during a primary outage cannot outlive
// an invalidation.
type FallbackBackend struct {
	primary   Backend
	secondary Backend
}

func NewFallbackBackend(primary, secondary Backend) *FallbackBackend {
	return &FallbackBackend{primary: primary, secondary: secondary}
}

func (f *FallbackBackend) primaryFailed(op string, key string, err error) {
	fallbackTotal.WithLabelValues(op).Inc()
	zap.S().Warnw("Primary cache backend failed, using secondary",
		"op", op,
		"key", key,
		"error", err,
	)
}

func (f *FallbackBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := f.primary.Get(ctx, key)
	if err == nil {
		return value, found, nil
	}
	f.primaryFailed("get", key, err)
	return f.secondary.Get(ctx, key)
}

func (f *FallbackBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, value, ttl)
	if err == nil {
		return nil
	}
	f.primaryFailed("set", key, err)
	return f.secondary.Set(ctx, key, value, ttl)
}

func (f *FallbackBackend) Delete(ctx context.Context, keys ...string) error {
	if err := f.primary.Delete(ctx, keys...); err != nil {
		key := ""
		if len(keys) > 0 {
			key = keys[0]
		}
		f.primaryFailed("delete", key, err)
	}
	return f.secondary.Delete(ctx, keys...)
}

func (f *FallbackBackend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := f.primary.DeletePrefix(ctx, prefix); err != nil {
		f.primaryFailed("delete_prefix", prefix, err)
	}
	return f.secondary.DeletePrefix(ctx, prefix)
}

func (f *FallbackBackend) Clear(ctx context.Context) error {
	if err := f.primary.Clear(ctx); err != nil {
		f.primaryFailed("clear", "", err)
	}
	return f.secondary.Clear(ctx)
}
