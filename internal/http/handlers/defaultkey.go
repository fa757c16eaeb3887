package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"roamii/internal/llm"
	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/quota"
	"roamii/internal/store"
)

type usageInfo struct {
	Count         int  `json:"count"`
	Remaining     int  `json:"remaining"`
	MaxWeeklyUses int  `json:"maxWeeklyUses"`
	CanUse        bool `json:"canUse"`
}

func usageOf(st quota.Status) usageInfo {
	return usageInfo{
		Count:         st.CurrentWeekRuns,
		Remaining:     st.RemainingRuns,
		MaxWeeklyUses: st.MaxWeeklyRuns,
		CanUse:        st.CanUse,
	}
}

// DefaultKeyUsage reports how many default-key runs ?visitorId has used
// this week. Unknown visitors have used none.
func DefaultKeyUsage(guard *store.Guard) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := requireVisitorID(ctx, "")
		if !ok {
			return
		}
		st, err := guard.Status(ctx, id)
		if err != nil {
			log.Printf("default key usage %s error: %v", id, err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to load usage")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, usageOf(st))
	}
}

type useDefaultKeyRequest struct {
	VisitorID string        `json:"visitorId"`
	Messages  []llm.Message `json:"messages"`
	MaxTokens int           `json:"maxTokens"`
}

// UseDefaultKey runs one chat completion with the shared credential if the
// visitor has a run left, and records the run only when the provider
// answered. completer is nil when no default key is configured.
func UseDefaultKey(guard *store.Guard, completer llm.Completer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		code := fasthttp.StatusOK
		defer func() { defaultKeyRequests.WithLabelValues(strconv.Itoa(code)).Inc() }()
		fail := func(c int, msg string) {
			code = c
			errResponse(ctx, c, msg)
		}

		if completer == nil {
			fail(fasthttp.StatusBadRequest, "Default API key not configured")
			return
		}
		var req useDefaultKeyRequest
		if err := jsonpkg.Unmarshal(ctx.PostBody(), &req); err != nil {
			fail(fasthttp.StatusBadRequest, "Invalid JSON")
			return
		}
		id := visitorID(ctx, req.VisitorID)
		if msg := checkVisitorID(id); msg != "" {
			fail(fasthttp.StatusBadRequest, msg)
			return
		}
		if len(req.Messages) == 0 {
			fail(fasthttp.StatusBadRequest, "Valid messages array is required")
			return
		}
		if req.MaxTokens <= 0 {
			req.MaxTokens = llm.DefaultMaxTokens
		}

		var completion llm.Completion
		completed := false
		status, err := guard.Use(ctx, id, func(c context.Context) error {
			start := time.Now()
			out, err := completer.Complete(c, llm.Request{Messages: req.Messages, MaxTokens: req.MaxTokens})
			upstreamDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return err
			}
			completion, completed = out, true
			return nil
		})

		var ue *llm.UpstreamError
		switch {
		case err == nil:
			quotaDecisions.WithLabelValues("allowed").Inc()
		case !completed && errors.Is(err, quota.ErrExceeded):
			quotaDecisions.WithLabelValues("exceeded").Inc()
			code = fasthttp.StatusTooManyRequests
			jsonResponse(ctx, code, map[string]any{"error": "Weekly usage limit reached", "remaining": 0})
			return
		case errors.As(err, &ue):
			quotaDecisions.WithLabelValues("allowed").Inc()
			code = ue.StatusCode
			jsonResponse(ctx, code, map[string]any{"error": ue.Error(), "details": ue.Details})
			return
		case !completed:
			log.Printf("default key request for %s error: %v", id, err)
			fail(fasthttp.StatusInternalServerError, "Internal server error")
			return
		default:
			// The provider answered but the run could not be recorded; the
			// visitor still gets the answer.
			log.Printf("record default key usage for %s error: %v", id, err)
			quotaDecisions.WithLabelValues("allowed").Inc()
			status.CurrentWeekRuns++
			if status.RemainingRuns > 0 {
				status.RemainingRuns--
			}
		}

		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"content": completion.Content,
			"usage": map[string]any{
				"count":         status.CurrentWeekRuns,
				"remaining":     status.RemainingRuns,
				"maxWeeklyUses": status.MaxWeeklyRuns,
			},
		})
	}
}

// Config reports the public client configuration. The key itself is
// never exposed.
func Config(model string, defaultKeyAvailable bool, policy quota.Policy) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"model":               model,
			"defaultKeyAvailable": defaultKeyAvailable,
			"maxWeeklyUses":       policy.MaxWeekly,
		})
	}
}
