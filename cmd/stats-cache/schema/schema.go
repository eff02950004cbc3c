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

// Package schema holds the canonical list of every statistic a player can have
// and the rules that turn a (category, name) pair into a flat stat key.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed default_schema.yaml
var defaultSchema []byte

var (
	ErrEmptySchema = errors.New("schema does not contain any stats")
	ErrUnknownKey  = errors.New("stat key is not part of the schema")
)

// suffixCategories are flattened to "<name>_<category>".
var suffixCategories = map[string]struct{}{
	"mined":     {},
	"used":      {},
	"crafted":   {},
	"killed":    {},
	"picked_up": {},
	"dropped":   {},
	"broken":    {},
}

// Flatten turns a category and a raw stat name into its stat key.
// It is total: every input pair has exactly one key.
func Flatten(category, name string) shared.StatKey {
	switch category {
	case "custom":
		return name
	case "killed_by":
		return "killed_by_" + name
	}
	if _, ok := suffixCategories[category]; ok {
		return name + "_" + category
	}
	return category + "_" + name
}

type Pair struct {
	Category string
	Name     string
}

// Schema is immutable after construction and safe for concurrent use.
type Schema struct {
	version    string
	pairs      []Pair
	keys       []shared.StatKey
	index      map[shared.StatKey]struct{}
	categories map[string]struct{}
}

type categoryFile struct {
	Name  string   `yaml:"name"`
	Stats []string `yaml:"stats"`
}

type schemaFile struct {
	Version    string         `yaml:"version"`
	Categories []categoryFile `yaml:"categories"`
}

// New builds a schema from the given pairs. Duplicate pairs and pairs that
// flatten to an already known key are collapsed.
func New(version string, pairs []Pair) (*Schema, error) {
	s := &Schema{
		version:    version,
		index:      make(map[shared.StatKey]struct{}, len(pairs)),
		categories: make(map[string]struct{}),
	}
	for _, p := range pairs {
		category := strings.TrimSpace(p.Category)
		name := strings.TrimSpace(p.Name)
		if category == "" || name == "" {
			return nil, fmt.Errorf("invalid schema entry %q/%q", p.Category, p.Name)
		}
		s.categories[category] = struct{}{}
		key := Flatten(category, name)
		if _, ok := s.index[key]; ok {
			continue
		}
		s.index[key] = struct{}{}
		s.keys = append(s.keys, key)
		s.pairs = append(s.pairs, Pair{Category: category, Name: name})
	}
	if len(s.keys) == 0 {
		return nil, ErrEmptySchema
	}
	sort.Strings(s.keys)
	return s, nil
}

// Parse reads a YAML schema listing.
func Parse(data []byte) (*Schema, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	var pairs []Pair
	for _, c := range f.Categories {
		for _, name := range c.Stats {
			pairs = append(pairs, Pair{Category: c.Name, Name: name})
		}
	}
	return New(f.Version, pairs)
}

// Load reads the schema at path, or the embedded default schema if path is empty.
func Load(path string) (*Schema, error) {
	if path == "" {
		zap.S().Debugf("Using embedded default schema")
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the schema shipped with the binary.
func Default() (*Schema, error) {
	return Parse(defaultSchema)
}

func (s *Schema) Version() string {
	return s.version
}

// Keys returns all stat keys, sorted.
func (s *Schema) Keys() []shared.StatKey {
	out := make([]shared.StatKey, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *Schema) Pairs() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

func (s *Schema) Len() int {
	return len(s.keys)
}

func (s *Schema) Has(key shared.StatKey) bool {
	_, ok := s.index[key]
	return ok
}

func (s *Schema) IsCategory(category string) bool {
	_, ok := s.categories[category]
	return ok
}

// BaseMap returns a fresh map holding every schema key with value 0.
func (s *Schema) BaseMap() shared.StatMap {
	m := make(shared.StatMap, len(s.keys))
	for _, k := range s.keys {
		m[k] = 0
	}
	return m
}
