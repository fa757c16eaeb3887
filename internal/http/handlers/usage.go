package handlers

import (
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/valyala/fasthttp"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/store"
)

// UsageStats returns the site-wide usage counter.
func UsageStats(st store.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		stats, err := st.UsageStats(ctx)
		if err != nil {
			log.Printf("read usage stats error: %v", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to read usage statistics")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, stats)
	}
}

type usageStatsRequest struct {
	// UsageCount is a number or a numeric string.
	UsageCount  any    `json:"usageCount"`
	LastUpdated string `json:"lastUpdated"`
}

// SaveUsageStats replaces the site-wide usage counter. A usageCount that is
// not an integer is stored as 0; a missing lastUpdated is the current time.
func SaveUsageStats(st store.Store, clock quartz.Clock) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req usageStatsRequest
		if err := jsonpkg.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "Invalid JSON")
			return
		}
		updated := clock.Now().UTC()
		if req.LastUpdated != "" {
			t, err := time.Parse(time.RFC3339Nano, req.LastUpdated)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "Invalid lastUpdated timestamp")
				return
			}
			updated = t.UTC()
		}
		stats := store.UsageStats{UsageCount: usageCount(req.UsageCount), LastUpdated: &updated}

		if err := st.SaveUsageStats(ctx, stats); err != nil {
			log.Printf("save usage stats error: %v", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to save usage statistics")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"success": true, "stats": stats})
	}
}

func usageCount(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return 0
}
