package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/inspection"
	"github.com/markscan/markscan/internal/logger"
)

// maxListLimit bounds the limit query parameter.
const maxListLimit = 10000

// UpdateResultRequest is the body of PUT /inspection_records/:id.
type UpdateResultRequest struct {
	Result string `json:"result"`
}

// UpdateResultResponse acknowledges an override.
type UpdateResultResponse struct {
	Status    string `json:"status"`
	ID        uint   `json:"id"`
	NewResult string `json:"new_result"`
}

// ListRecords handles GET /inspection_records. Optional result, q and limit
// query parameters narrow the listing.
func (c *Controller) ListRecords(ctx echo.Context) error {
	f := datastore.Filter{
		Result: ctx.QueryParam("result"),
		Query:  strings.TrimSpace(ctx.QueryParam("q")),
	}
	if f.Result != "" && !datastore.ValidResult(f.Result) {
		return c.HandleError(ctx, nil, "result must be one of pass, fail, overridden", http.StatusBadRequest)
	}
	if raw := ctx.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxListLimit {
			return c.HandleError(ctx, err, "limit must be between 0 and 10000", http.StatusBadRequest)
		}
		f.Limit = n
	}

	records, err := c.DS.List(ctx.Request().Context(), f)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to fetch records", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, records)
}

// GetRecord handles GET /inspection_records/:id.
func (c *Controller) GetRecord(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid record id", http.StatusBadRequest)
	}

	rec, err := c.DS.Get(ctx.Request().Context(), id)
	switch {
	case errors.Is(err, datastore.ErrRecordNotFound):
		return c.HandleError(ctx, err, "Record not found", http.StatusNotFound)
	case err != nil:
		return c.HandleError(ctx, err, "Failed to fetch record", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, rec)
}

// UpdateRecord handles PUT /inspection_records/:id, the manual override.
func (c *Controller) UpdateRecord(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid record id", http.StatusBadRequest)
	}

	var body UpdateResultRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if !datastore.ValidResult(body.Result) {
		return c.HandleError(ctx, nil, "result must be one of pass, fail, overridden", http.StatusBadRequest)
	}

	_, err = c.DS.UpdateResult(ctx.Request().Context(), id, body.Result)
	switch {
	case errors.Is(err, datastore.ErrRecordNotFound):
		return c.HandleError(ctx, err, "Record not found", http.StatusNotFound)
	case errors.IsCategory(err, errors.CategoryValidation):
		return c.HandleError(ctx, err, "Invalid result", http.StatusBadRequest)
	case err != nil:
		return c.HandleError(ctx, err, "Failed to update record", http.StatusInternalServerError)
	}

	c.invalidateStats()
	if c.metrics != nil {
		c.metrics.Inspection.RecordOverride(body.Result)
	}
	c.logger.WithContext(ctx.Request().Context()).Info("inspection result overridden",
		logger.Uint64("id", uint64(id)),
		logger.String("result", body.Result))

	return ctx.JSON(http.StatusOK, UpdateResultResponse{
		Status:    "success",
		ID:        id,
		NewResult: body.Result,
	})
}

// GetStats handles GET /inspection_records/stats.
func (c *Controller) GetStats(ctx echo.Context) error {
	if cached, ok := c.statsCache.Get(statsCacheKey); ok {
		c.recordCacheLookup(true)
		return ctx.JSON(http.StatusOK, cached)
	}
	c.recordCacheLookup(false)

	gen := c.statsGeneration()
	records, err := c.DS.ListAll(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to fetch records", http.StatusInternalServerError)
	}

	summary := inspection.Summarize(records)
	c.cacheStats(gen, summary)
	return ctx.JSON(http.StatusOK, summary)
}

func (c *Controller) recordCacheLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.HTTP.RecordCacheLookup(statsCacheName, hit)
	}
}

func parseID(ctx echo.Context) (uint, error) {
	n, err := strconv.ParseUint(ctx.Param("id"), 10, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.NewStd("id must be positive")
	}
	return uint(n), nil
}
