// Package server provides the admin HTTP surface of the optimization layer:
// cache statistics and invalidation, telemetry windows, model selection, and
// optimizer dry runs.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"optigate/internal/cache"
	"optigate/internal/core"
	"optigate/internal/optimizer"
	"optigate/internal/selector"
	"optigate/internal/telemetry"
)

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	cache      *cache.KeyedStore
	aggregator *telemetry.Aggregator
	selector   *selector.ModelSelector
	optimizer  *optimizer.Optimizer
}

// NewHandler creates a Handler.
func NewHandler(c *cache.KeyedStore, agg *telemetry.Aggregator, sel *selector.ModelSelector, opt *optimizer.Optimizer) *Handler {
	return &Handler{
		cache:      c,
		aggregator: agg,
		selector:   sel,
		optimizer:  opt,
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CacheStats handles GET /v1/cache/stats. An optional provider_type query
// parameter scopes the stats.
func (h *Handler) CacheStats(c echo.Context) error {
	providerType := core.ProviderType(c.QueryParam("provider_type"))

	stats, err := h.cache.GetStats(c.Request().Context(), providerType)
	if err != nil {
		return handleError(c, core.NewStorageError("failed to read cache stats", err))
	}
	return c.JSON(http.StatusOK, stats)
}

// CacheInvalidate handles POST /v1/cache/invalidate.
func (h *Handler) CacheInvalidate(c echo.Context) error {
	var filter cache.InvalidateFilter
	if err := c.Bind(&filter); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid invalidation filter: "+err.Error(), err))
	}

	count, err := h.cache.Invalidate(c.Request().Context(), filter)
	if err != nil {
		return handleError(c, core.NewStorageError("failed to invalidate cache entries", err))
	}
	return c.JSON(http.StatusOK, map[string]int64{"invalidated": count})
}

// Telemetry handles GET /v1/telemetry. Query parameters: start and end
// (RFC 3339, defaulting to the last 24 hours), provider_type, endpoint,
// feature_name.
func (h *Handler) Telemetry(c echo.Context) error {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if v := c.QueryParam("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return handleError(c, core.NewInvalidRequestError("invalid start timestamp: "+v, err))
		}
		start = parsed
	}
	if v := c.QueryParam("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return handleError(c, core.NewInvalidRequestError("invalid end timestamp: "+v, err))
		}
		end = parsed
	}

	windows, err := h.aggregator.Aggregate(c.Request().Context(), start, end, telemetry.Filter{
		ProviderType: core.ProviderType(c.QueryParam("provider_type")),
		Endpoint:     c.QueryParam("endpoint"),
		FeatureName:  c.QueryParam("feature_name"),
	})
	if err != nil {
		return handleError(c, core.NewStorageError("failed to aggregate telemetry", err))
	}
	return c.JSON(http.StatusOK, windows)
}

// SelectModel handles POST /v1/select-model.
func (h *Handler) SelectModel(c echo.Context) error {
	var req selector.Requirements
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid requirements: "+err.Error(), err))
	}
	if req.TaskType == "" {
		return handleError(c, core.NewInvalidRequestError("task_type is required", nil))
	}

	sel := h.selector.SelectModel(c.Request().Context(), req)
	return c.JSON(http.StatusOK, sel)
}

// optimizeRequest is the body for POST /v1/optimize.
type optimizeRequest struct {
	TaskType   string                `json:"task_type"`
	InputSize  int                   `json:"input_size"`
	Objectives []optimizer.Objective `json:"objectives"`
	Candidates []core.ModelConfig    `json:"candidates"`
}

// Optimize handles POST /v1/optimize.
func (h *Handler) Optimize(c echo.Context) error {
	var req optimizeRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid optimization request: "+err.Error(), err))
	}
	if req.TaskType == "" {
		return handleError(c, core.NewInvalidRequestError("task_type is required", nil))
	}
	if len(req.Objectives) == 0 || len(req.Candidates) == 0 {
		return handleError(c, core.NewInvalidRequestError("objectives and candidates are required", nil))
	}

	result := h.optimizer.Optimize(c.Request().Context(), req.Objectives, req.TaskType, req.InputSize, req.Candidates)
	return c.JSON(http.StatusOK, result)
}

// handleError writes a LayerError as its JSON shape and status code;
// anything else becomes a generic 500.
func handleError(c echo.Context, err error) error {
	var layerErr *core.LayerError
	if errors.As(err, &layerErr) {
		if layerErr.Type == core.ErrorTypeStorage {
			slog.Error("storage error on admin endpoint", "path", c.Path(), "error", layerErr.Err)
		}
		return c.JSON(layerErr.HTTPStatusCode(), layerErr.ToJSON())
	}

	slog.Error("unexpected error on admin endpoint", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "internal server error",
		},
	})
}
