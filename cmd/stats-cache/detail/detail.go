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

// Package detail reads the per player detail stats exported by the game server.
package detail

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxBodySize = 4 << 20

// Snapshot maps a category (e.g. "minecraft:mined") to raw stat names and their values.
type Snapshot map[string]map[string]any

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ReadDetail fetches the detail stats of a player. A player unknown to the
// server (404) is reported as found == false without an error.
func (c *Client) ReadDetail(ctx context.Context, playerID string) (Snapshot, bool, error) {
	u := c.baseURL + "/" + url.PathEscape(playerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("detail source unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		zap.S().Debugf("No detail stats for %s", playerID)
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("detail source returned %s for %s", resp.Status, playerID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read detail response: %w", err)
	}
	snapshot, err := Decode(body)
	if err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}

// Decode accepts both the game's stats file layout {"stats": {...}, "DataVersion": n}
// and a bare category object.
func Decode(body []byte) (Snapshot, error) {
	var envelope struct {
		Stats Snapshot `json:"stats"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Stats != nil {
		return envelope.Stats, nil
	}
	var bare Snapshot
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("malformed detail payload: %w", err)
	}
	return bare, nil
}
