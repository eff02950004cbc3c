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

package internal

import (
	"context"
	"math/rand"
	"time"
)

const Int64Max = 1<<63 - 1

// GetBackoffTime returns a random backoff in [0, 2^retries) slots, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	if slotTime <= 0 || retries <= 0 {
		return time.Duration(0)
	}
	if retries >= 63 {
		return maximum
	}
	// 2^retries - 1
	// -1 is omitted here, because the random function is [min, max)
	umax := uint64(1) << retries
	if umax > Int64Max {
		return maximum
	}
	n := rand.Int63n(int64(umax))

	// Prevents overflow
	if n != 0 && uint64(slotTime.Nanoseconds()) > uint64(Int64Max)/uint64(n) {
		return maximum
	}

	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// SleepBackedOff sleeps for GetBackoffTime, returning early with false if ctx is done.
func SleepBackedOff(ctx context.Context, retries int64, slotTime time.Duration, maximum time.Duration) bool {
	timer := time.NewTimer(GetBackoffTime(retries, slotTime, maximum))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
