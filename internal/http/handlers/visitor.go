package handlers

import (
	"errors"
	"log"

	"github.com/coder/quartz"
	"github.com/valyala/fasthttp"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/visitor"
)

type visitorLookup struct {
	VisitorID string `json:"visitorId"`
}

// VisitorData returns the stored record for {visitorId}.
func VisitorData(gw store.Gateway) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req visitorLookup
		if body := ctx.PostBody(); len(body) > 0 {
			if err := jsonpkg.Unmarshal(body, &req); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "Invalid JSON")
				return
			}
		}
		id, ok := requireVisitorID(ctx, req.VisitorID)
		if !ok {
			return
		}

		rec, err := gw.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			errResponse(ctx, fasthttp.StatusNotFound, "Visitor not found")
			return
		}
		if err != nil {
			log.Printf("load visitor %s error: %v", id, err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to load visitor data")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, rec)
	}
}

// SaveVisitorData stores the posted record as-is, creating the visitor if
// needed.
func SaveVisitorData(gw store.Gateway) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var rec visitor.Record
		if err := jsonpkg.Unmarshal(ctx.PostBody(), &rec); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "Invalid JSON")
			return
		}
		if msg := checkVisitorID(rec.VisitorID); msg != "" {
			errResponse(ctx, fasthttp.StatusBadRequest, msg)
			return
		}

		res, err := gw.Save(ctx, &rec)
		if err != nil {
			log.Printf("save visitor %s error: %v", rec.VisitorID, err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to save visitor data")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"success":      true,
			"message":      "Visitor data saved successfully",
			"isNewVisitor": res.IsNewVisitor,
		})
	}
}

// VisitorStats returns the aggregate summary across all visitors.
func VisitorStats(st store.Store, policy quota.Policy, clock quartz.Clock) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		sum, err := store.Summarize(ctx, st, policy, clock.Now())
		if err != nil {
			log.Printf("visitor stats error: %v", err)
			errResponse(ctx, fasthttp.StatusInternalServerError, "Failed to load visitor stats")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, sum)
	}
}
