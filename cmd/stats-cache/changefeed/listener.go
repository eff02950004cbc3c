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

// Package changefeed turns persisted store mutations into cache invalidations.
package changefeed

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/backend"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/helper"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"github.com/united-manufacturing-hub/stats-cache/internal"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 1024
	DefaultOpTimeout = 2 * time.Second
)

var (
	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statscache_changefeed_events_total",
			Help: "Number of change feed events received",
		},
		[]string{"op"},
	)
	invalidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statscache_invalidation_failures_total",
		Help: "Number of cache invalidations that failed and are left to TTL expiry",
	})
	invalidationOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statscache_invalidation_overflows_total",
		Help: "Number of times the invalidation queue overflowed into a full clear",
	})
	invalidationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statscache_invalidation_pending_keys",
		Help: "Number of keys waiting in the invalidation queue",
	})
)

// Feed delivers mutation events until ctx is done or the underlying
// connection is lost, then closes the channel.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan shared.InvalidationEvent, error)
}

type Config struct {
	// QueueSize is the number of pending keys after which the queue escalates to a clear.
	QueueSize int
	// OpTimeout bounds every backend removal.
	OpTimeout time.Duration
	// RetrySlot and RetryMax drive the backoff between failed subscriptions.
	RetrySlot time.Duration
	RetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.RetrySlot <= 0 {
		c.RetrySlot = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Listener consumes a Feed and removes the affected cache entries in the background.
type Listener struct {
	feed  Feed
	cache backend.Backend
	cfg   Config
	queue *queue
}

func NewListener(feed Feed, cache backend.Backend, cfg Config) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		feed:  feed,
		cache: cache,
		cfg:   cfg,
		queue: newQueue(cfg.QueueSize),
	}
}

// InvalidationKeys returns what a mutation of playerID makes stale: the
// player's own keys and every aggregate namespace.
func InvalidationKeys(playerID string) (keys []string, prefixes []string) {
	return backend.EntityKeys(playerID), backend.AggregatePrefixes
}

// Handle enqueues the invalidation for ev and returns immediately. Repeated
// events are applied again; events still pending coalesce in the queue.
func (l *Listener) Handle(ev shared.InvalidationEvent) {
	eventsReceived.WithLabelValues(string(ev.Op)).Inc()
	if ev.Op == shared.OpResync {
		zap.S().Infof("Change feed requested a resync, clearing the cache")
		l.queue.pushClear()
		return
	}
	if ev.PlayerID == "" {
		zap.S().Warnw("Ignoring change event without player id", "op", ev.Op)
		return
	}

	keys, prefixes := InvalidationKeys(ev.PlayerID)
	if !l.queue.push(keys, prefixes) {
		invalidationOverflows.Inc()
		zap.S().Warnf("Invalidation queue overflowed (%d keys), escalating to a full clear", l.cfg.QueueSize)
	}
	invalidationPending.Set(float64(l.queue.len()))
}

// Run subscribes to the feed and processes invalidations until ctx is done.
// A lost subscription is re-established with backoff; since events may have
// been missed in between, the cache is cleared whenever a subscription ends.
func (l *Listener) Run(ctx context.Context) {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		l.work(ctx)
	}()

	var retries int64
	for ctx.Err() == nil {
		events, err := l.feed.Subscribe(ctx)
		if err != nil {
			retries++
			zap.S().Warnw("Failed to subscribe to change feed", "retries", retries, "error", err)
			if !internal.SleepBackedOff(ctx, retries, l.cfg.RetrySlot, l.cfg.RetryMax) {
				break
			}
			continue
		}
		retries = 0
		for ev := range events {
			l.Handle(ev)
		}
		if ctx.Err() != nil {
			break
		}
		zap.S().Warnf("Change feed subscription ended, clearing the cache and resubscribing")
		l.queue.pushClear()
	}
	<-workerDone
}

func (l *Listener) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Apply what is already queued, the process may keep serving reads while shutting down.
			flushCtx, cancel := context.WithTimeout(context.Background(), l.cfg.OpTimeout)
			l.apply(flushCtx, l.queue.drain())
			cancel()
			return
		case <-l.queue.signal:
			l.apply(ctx, l.queue.drain())
		}
	}
}

// apply performs the removals. Failures are logged and left to TTL expiry.
func (l *Listener) apply(ctx context.Context, w work) {
	invalidationPending.Set(0)
	if w.empty() {
		return
	}
	if w.clear {
		l.do(ctx, "clear", "*", func(ctx context.Context) error { return l.cache.Clear(ctx) })
		return
	}
	if len(w.keys) > 0 {
		l.do(ctx, "delete", strconv.Itoa(len(w.keys))+" keys", func(ctx context.Context) error {
			return l.cache.Delete(ctx, w.keys...)
		})
	}
	for _, prefix := range w.prefixes {
		prefix := prefix
		l.do(ctx, "delete_prefix", prefix, func(ctx context.Context) error {
			return l.cache.DeletePrefix(ctx, prefix)
		})
	}
}

func (l *Listener) do(ctx context.Context, op string, target string, fn func(ctx context.Context) error) {
	opCtx, cancel := helper.WithOptionalTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	if err := fn(opCtx); err != nil {
		invalidationFailures.Inc()
		zap.S().Warnw("Cache invalidation failed, entries expire with their TTL",
			"op", op,
			"target", target,
			"error", err,
		)
		return
	}
	zap.S().Debugf("Invalidated %s (%s)", target, op)
}
