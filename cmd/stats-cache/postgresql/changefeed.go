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

package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
)

// notificationSource is implemented by *pq.Listener.
type notificationSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type notifyPayload struct {
	PlayerID string `json:"player_id"`
	Op       string `json:"op"`
	TsMs     int64  `json:"ts_ms"`
}

// ChangeFeed delivers the mutations of player_stats published by the notify trigger.
type ChangeFeed struct {
	channel string
	newSrc  func() notificationSource
}

// NewChangeFeed creates a feed on a dedicated LISTEN connection. pq.Listener
// reconnects on its own, backing off between minReconnect and maxReconnect.
func NewChangeFeed(cfg Config, minReconnect, maxReconnect time.Duration) *ChangeFeed {
	return &ChangeFeed{
		channel: cfg.NotifyChannel,
		newSrc: func() notificationSource {
			return pq.NewListener(cfg.ConnString(), minReconnect, maxReconnect, listenerEvent)
		},
	}
}

func newChangeFeedWithSource(channel string, src notificationSource) *ChangeFeed {
	return &ChangeFeed{
		channel: channel,
		newSrc:  func() notificationSource { return src },
	}
}

func listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		zap.S().Infof("Change feed connected")
	case pq.ListenerEventDisconnected:
		zap.S().Warnw("Change feed disconnected", "error", err)
	case pq.ListenerEventReconnected:
		zap.S().Infof("Change feed reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		if err != nil && IsConnectionProblem(err) {
			zap.S().Warnw("Change feed reconnect attempt failed: connection problem", "error", err)
		} else {
			zap.S().Warnw("Change feed reconnect attempt failed", "error", err)
		}
	}
}

// Subscribe starts listening and returns the event stream. The stream is closed when ctx is done.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan shared.InvalidationEvent, error) {
	if f.channel == "" {
		return nil, errors.New("no notify channel configured")
	}
	src := f.newSrc()
	if err := src.Listen(f.channel); err != nil {
		_ = src.Close()
		logError("listen", err)
		return nil, fmt.Errorf("failed to listen on %s: %w", f.channel, err)
	}
	zap.S().Infof("Listening for stats mutations on channel %s", f.channel)

	out := make(chan shared.InvalidationEvent)
	go func() {
		defer close(out)
		defer func() {
			if err := src.Close(); err != nil {
				zap.S().Debugf("Failed to close change feed listener: %s", err)
			}
		}()
		notifications := src.NotificationChannel()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifications:
				if !ok {
					zap.S().Warnf("Change feed notification channel closed")
					return
				}
				ev, valid := toEvent(n)
				if !valid {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// toEvent translates a notification. A nil notification is what pq.Listener
// sends after re-establishing its connection: anything could have been missed.
func toEvent(n *pq.Notification) (shared.InvalidationEvent, bool) {
	if n == nil {
		return shared.InvalidationEvent{Op: shared.OpResync, Timestamp: time.Now()}, true
	}
	var p notifyPayload
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
		zap.S().Warnw("Dropping malformed change notification", "payload", n.Extra, "error", err)
		return shared.InvalidationEvent{}, false
	}
	if p.PlayerID == "" {
		zap.S().Warnw("Dropping change notification without player id", "payload", n.Extra)
		return shared.InvalidationEvent{}, false
	}
	var op shared.OpKind
	switch strings.ToLower(p.Op) {
	case "insert":
		op = shared.OpInsert
	case "update":
		op = shared.OpUpdate
	case "delete":
		op = shared.OpDelete
	default:
		zap.S().Warnw("Dropping change notification with unknown operation", "payload", n.Extra)
		return shared.InvalidationEvent{}, false
	}
	ts := time.Now()
	if p.TsMs > 0 {
		ts = time.UnixMilli(p.TsMs)
	}
	return shared.InvalidationEvent{PlayerID: p.PlayerID, Op: op, Timestamp: ts}, true
}
