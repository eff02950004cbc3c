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

package aggregator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/detail"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
)

var errMalformedBlob = errors.New("malformed stat blob")

// ToNumber converts a loosely typed stat value. Negative, NaN and infinite values are rejected.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}

// ParseBlob parses the legacy "{item=5, item2=2}" encoding. Any malformed entry rejects the whole blob.
func ParseBlob(blob string) (map[string]float64, error) {
	blob = strings.TrimSpace(blob)
	if len(blob) < 2 || blob[0] != '{' || blob[len(blob)-1] != '}' {
		return nil, fmt.Errorf("%w: %q", errMalformedBlob, blob)
	}
	inner := strings.TrimSpace(blob[1 : len(blob)-1])
	out := make(map[string]float64)
	if inner == "" {
		return out, nil
	}
	for _, entry := range strings.Split(inner, ",") {
		name, raw, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: entry %q", errMalformedBlob, entry)
		}
		v, valid := ToNumber(raw)
		if !valid {
			return nil, fmt.Errorf("%w: value of %q", errMalformedBlob, name)
		}
		out[StripNamespace(name)] = v
	}
	return out, nil
}

// StripNamespace removes a resource namespace such as "minecraft:".
func StripNamespace(s string) string {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ParseFields turns a persisted snapshot into a typed map holding only schema keys.
//
// Fields named like a schema key are taken if numeric. Fields named like a
// category may hold a nested object or a legacy blob string; their entries
// are flattened with the category. Exact key fields win over category
// fields for the same key. Values that cannot be read are skipped.
func ParseFields(s *schema.Schema, fields map[string]any) shared.StatMap {
	out := make(shared.StatMap)
	names := sortedKeys(fields)

	for _, name := range names {
		category := StripNamespace(name)
		if s.Has(name) || !s.IsCategory(category) {
			continue
		}
		var entries map[string]float64
		switch t := fields[name].(type) {
		case string:
			parsed, err := ParseBlob(t)
			if err != nil {
				continue
			}
			entries = parsed
		case map[string]any:
			entries = make(map[string]float64, len(t))
			for _, raw := range sortedKeys(t) {
				if f, ok := ToNumber(t[raw]); ok {
					entries[StripNamespace(raw)] = f
				}
			}
		default:
			continue
		}
		for item, v := range entries {
			key := schema.Flatten(category, item)
			if s.Has(key) {
				out[key] = v
			}
		}
	}

	for _, name := range names {
		if !s.Has(name) {
			continue
		}
		if v, ok := ToNumber(fields[name]); ok {
			out[name] = v
		}
	}
	return out
}

// ParseDetail flattens a category qualified detail snapshot into schema keys.
func ParseDetail(s *schema.Schema, snap detail.Snapshot) shared.StatMap {
	out := make(shared.StatMap)
	categories := make([]string, 0, len(snap))
	for c := range snap {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, rawCategory := range categories {
		category := StripNamespace(rawCategory)
		stats := snap[rawCategory]
		for _, rawName := range sortedKeys(stats) {
			key := schema.Flatten(category, StripNamespace(rawName))
			if !s.Has(key) {
				continue
			}
			if v, ok := ToNumber(stats[rawName]); ok {
				out[key] = v
			}
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
