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

package changefeed

import (
	"sync"
)

// work is one drained unit of invalidation work.
type work struct {
	keys     []string
	prefixes []string
	clear    bool
}

func (w work) empty() bool {
	return !w.clear && len(w.keys) == 0 && len(w.prefixes) == 0
}

// queue collects pending invalidations. Pushing never blocks: identical keys
// coalesce, and once more than capacity keys are pending the queue escalates
// to a full clear.
type queue struct {
	mu       sync.Mutex
	keys     map[string]struct{}
	prefixes map[string]struct{}
	clear    bool
	capacity int
	signal   chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		keys:     make(map[string]struct{}),
		prefixes: make(map[string]struct{}),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push returns false if the queue overflowed and escalated to a clear.
func (q *queue) push(keys []string, prefixes []string) bool {
	q.mu.Lock()
	overflow := false
	if !q.clear {
		for _, k := range keys {
			q.keys[k] = struct{}{}
		}
		for _, p := range prefixes {
			q.prefixes[p] = struct{}{}
		}
		if len(q.keys) > q.capacity {
			q.escalate()
			overflow = true
		}
	}
	q.mu.Unlock()
	q.notify()
	return !overflow
}

func (q *queue) pushClear() {
	q.mu.Lock()
	q.escalate()
	q.mu.Unlock()
	q.notify()
}

// escalate must be called with mu held.
func (q *queue) escalate() {
	q.clear = true
	q.keys = make(map[string]struct{})
	q.prefixes = make(map[string]struct{})
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) drain() work {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := work{clear: q.clear}
	if !q.clear {
		w.keys = make([]string, 0, len(q.keys))
		for k := range q.keys {
			w.keys = append(w.keys, k)
		}
		w.prefixes = make([]string, 0, len(q.prefixes))
		for p := range q.prefixes {
			w.prefixes = append(w.prefixes, p)
		}
	}
	q.clear = false
	q.keys = make(map[string]struct{})
	q.prefixes = make(map[string]struct{})
	return w
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
