package handlers

import (
	"github.com/valyala/fasthttp"

	httpctx "roamii/internal/http/ctx"
	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/visitor"
)

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := jsonpkg.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	jsonResponse(ctx, code, map[string]any{"error": msg})
}

// visitorID picks the visitor id from the decoded body, then the query
// string, then the identity cookie.
func visitorID(ctx *fasthttp.RequestCtx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if q := string(ctx.QueryArgs().Peek("visitorId")); q != "" {
		return q
	}
	id, _ := httpctx.VisitorIDFromCtx(ctx)
	return id
}

// requireVisitorID resolves the visitor id like visitorID and answers 400
// when it is missing or unusable as a storage key.
func requireVisitorID(ctx *fasthttp.RequestCtx, fromBody string) (string, bool) {
	id := visitorID(ctx, fromBody)
	if msg := checkVisitorID(id); msg != "" {
		errResponse(ctx, fasthttp.StatusBadRequest, msg)
		return "", false
	}
	return id, true
}

func checkVisitorID(id string) string {
	switch {
	case id == "":
		return "Visitor ID is required"
	case !visitor.ValidID(id):
		return "Invalid visitor ID"
	}
	return ""
}
