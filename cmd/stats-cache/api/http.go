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

// Package api exposes the stats operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/aggregator"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/schema"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/stats"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/syncer"
	"go.uber.org/zap"
)

const MaxBatchIDs = 1000

type StatsService interface {
	Get(ctx context.Context, playerID string) (shared.StatMap, error)
	GetBatch(ctx context.Context, ids []string) (map[string]shared.StatMap, error)
	Invalidate(ctx context.Context, playerID string) error
	Leaderboard(ctx context.Context, key string, limit int) ([]shared.LeaderboardEntry, error)
}

type SyncService interface {
	SyncOne(ctx context.Context, playerID string) bool
	Start(ctx context.Context) error
	Status() syncer.Status
}

// PlayerRegistry records players in the index bulk syncs enumerate.
type PlayerRegistry interface {
	RegisterPlayer(ctx context.Context, playerID string) error
}

type handler struct {
	// base outlives single requests, background syncs are bound to it.
	base    context.Context
	stats   StatsService
	sync    SyncService
	players PlayerRegistry
	schema  *schema.Schema
}

// NewRouter builds the REST API. Bulk syncs started through it run until base is done.
func NewRouter(base context.Context, statsSvc StatsService, syncSvc SyncService, players PlayerRegistry, s *schema.Schema) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	h := &handler{base: base, stats: statsSvc, sync: syncSvc, players: players, schema: s}

	// Healthcheck
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats/:id", h.getStats)
		v1.POST("/stats/batch", h.getStatsBatch)
		v1.POST("/stats/:id/invalidate", h.invalidate)
		v1.GET("/leaderboard/:key", h.leaderboard)
		v1.POST("/sync/:id", h.syncOne)
		v1.POST("/sync", h.syncAll)
		v1.GET("/sync", h.syncStatus)
		v1.GET("/schema", h.getSchema)
		if players != nil {
			v1.PUT("/players/:id", h.registerPlayer)
		}
	}
	return router
}

func handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw("Internal server error",
		"error", err,
		"path", c.Request.URL.Path,
	)
	c.String(http.StatusInternalServerError, "The server had an internal error.")
}

func handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Debugw("Invalid input error",
		"error", err,
		"path", c.Request.URL.Path,
	)
	c.String(http.StatusBadRequest, "You have provided a wrong input: "+err.Error())
}

// handleError maps service errors to status codes.
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, stats.ErrInvalidPlayerID),
		errors.Is(err, stats.ErrInvalidLimit),
		errors.Is(err, schema.ErrUnknownKey):
		handleInvalidInputError(c, err)
	case errors.Is(err, stats.ErrNoLeaderboard):
		c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, aggregator.ErrSchemaUnavailable):
		zap.S().Errorw("Schema unavailable", "error", err)
		c.String(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, syncer.ErrSyncInProgress):
		c.String(http.StatusConflict, err.Error())
	default:
		handleInternalServerError(c, err)
	}
}

type playerRequest struct {
	ID string `uri:"id" binding:"required"`
}

func (h *handler) bindPlayer(c *gin.Context) (string, bool) {
	var req playerRequest
	if err := c.BindUri(&req); err != nil {
		handleInvalidInputError(c, err)
		return "", false
	}
	return req.ID, true
}

func (h *handler) getStats(c *gin.Context) {
	id, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	result, err := h.stats.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type batchRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (h *handler) getStatsBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	if len(req.IDs) > MaxBatchIDs {
		handleInvalidInputError(c, fmt.Errorf("at most %d ids per batch", MaxBatchIDs))
		return
	}
	result, err := h.stats.GetBatch(c.Request.Context(), req.IDs)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) invalidate(c *gin.Context) {
	id, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	if err := h.stats.Invalidate(c.Request.Context(), id); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type leaderboardRequest struct {
	Key string `uri:"key" binding:"required"`
}

func (h *handler) leaderboard(c *gin.Context) {
	var req leaderboardRequest
	if err := c.BindUri(&req); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			handleInvalidInputError(c, fmt.Errorf("limit: %w", err))
			return
		}
		if limit == 0 {
			handleInvalidInputError(c, stats.ErrInvalidLimit)
			return
		}
	}
	entries, err := h.stats.Leaderboard(c.Request.Context(), req.Key, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *handler) syncOne(c *gin.Context) {
	id, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": h.sync.SyncOne(c.Request.Context(), id)})
}

func (h *handler) syncAll(c *gin.Context) {
	if err := h.sync.Start(h.base); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.sync.Status())
}

func (h *handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.Status())
}

func (h *handler) registerPlayer(c *gin.Context) {
	id, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	if err := h.players.RegisterPlayer(c.Request.Context(), id); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) getSchema(c *gin.Context) {
	if h.schema == nil {
		handleError(c, aggregator.ErrSchemaUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": h.schema.Version(),
		"keys":    h.schema.Keys(),
	})
}
