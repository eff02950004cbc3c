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

package stats

import (
	"context"
	"sync"

	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GetBatch returns the stats of every distinct id in ids. The result holds
// exactly one entry per distinct id: a player no source knows still gets the
// all zero map. Cache misses are aggregated chunk by chunk, with at most
// Workers aggregations in flight.
func (s *Service) GetBatch(ctx context.Context, ids []string) (map[string]shared.StatMap, error) {
	unique, err := dedupe(ids)
	if err != nil {
		return nil, err
	}
	batchSize.Observe(float64(len(unique)))

	result := make(map[string]shared.StatMap, len(unique))
	misses := make([]string, 0)
	for _, id := range unique {
		if stats, ok := s.lookup(ctx, id); ok {
			result[id] = stats
			continue
		}
		misses = append(misses, id)
	}
	zap.S().Debugf("Batch of %d ids: %d hits, %d misses", len(unique), len(result), len(misses))

	var mu sync.Mutex
	for i, chunk := range chunks(misses, s.cfg.ChunkSize) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, id := range chunk {
			id := id
			g.Go(func() error {
				stats, err := s.fetch(gctx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				result[id] = stats
				mu.Unlock()
				return nil
			})
		}
		if err = g.Wait(); err != nil {
			return nil, err
		}
		zap.S().Debugf("Batch chunk %d done (%d ids)", i, len(chunk))
	}
	return result, nil
}

// dedupe keeps the first occurrence of every id.
func dedupe(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, ErrInvalidPlayerID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func chunks(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
