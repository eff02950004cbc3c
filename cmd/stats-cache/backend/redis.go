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
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const scanBatchSize = 500

type RedisOptions struct {
	// Addrs holds a single address, or the sentinel addresses if MasterName is set.
	Addrs      []string
	MasterName string
	Password   string
	DB         int
	// Namespace is prepended to every key so several deployments can share a database.
	Namespace string
	// OpTimeout bounds every single redis round trip.
	OpTimeout time.Duration
}

// RedisBackend stores entries in redis, relying on redis key expiry for TTLs.
type RedisBackend struct {
	rdb       *redis.Client
	namespace string
	timeout   time.Duration
}

func NewRedisBackend(opts RedisOptions) *RedisBackend {
	var rdb *redis.Client
	if opts.MasterName != "" {
		failOverOptions := redis.FailoverOptions{
			MasterName:       opts.MasterName,
			SentinelAddrs:    opts.Addrs,
			SentinelPassword: opts.Password,
			Password:         opts.Password,
			DB:               opts.DB,
		}
		zap.S().Debugf("Initializing redis failover client for master %s via %v", opts.MasterName, opts.Addrs)
		rdb = redis.NewFailoverClient(&failOverOptions)
	} else {
		addr := ""
		if len(opts.Addrs) > 0 {
			addr = opts.Addrs[0]
		}
		zap.S().Debugf("Initializing redis client for %s", addr)
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return newRedisBackend(rdb, opts.Namespace, opts.OpTimeout)
}

func newRedisBackend(rdb *redis.Client, namespace string, timeout time.Duration) *RedisBackend {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisBackend{rdb: rdb, namespace: namespace, timeout: timeout}
}

func (r *RedisBackend) key(k string) string {
	return r.namespace + k
}

func (r *RedisBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	value, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.key(k)
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.rdb.Del(ctx, namespaced...).Err()
}

// DeletePrefix walks the keyspace with SCAN, so it never blocks redis like KEYS would.
// Each SCAN and DEL round trip gets its own timeout.
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(r.key(prefix)) + "*"
	var cursor uint64
	for {
		scanCtx, cancel := r.opContext(ctx)
		keys, next, err := r.rdb.Scan(scanCtx, cursor, pattern, scanBatchSize).Result()
		cancel()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			delCtx, delCancel := r.opContext(ctx)
			err = r.rdb.Del(delCtx, keys...).Err()
			delCancel()
			if err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Clear only removes keys of this backend's namespace. Without a namespace the whole database is flushed.
func (r *RedisBackend) Clear(ctx context.Context) error {
	if r.namespace != "" {
		return r.DeletePrefix(ctx, "")
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.rdb.FlushDB(ctx).Err()
}

// Ping reports whether redis answers within the op timeout.
func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
