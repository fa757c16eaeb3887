package handlers

import (
	"log"
	"time"

	"github.com/valyala/fasthttp"

	httpctx "roamii/internal/http/ctx"
)

// RequestLogger returns fasthttp middleware that logs method, path, status,
// duration and, when known, the visitor or admin behind the request.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		who := ""
		if id, ok := httpctx.VisitorIDFromCtx(ctx); ok {
			who = " visitor=" + id
		}
		if user, ok := httpctx.AdminUserFromCtx(ctx); ok {
			who += " admin=" + user
		}
		log.Printf("%s %s -> %d (%s) ip=%s%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr(), who)
	}
}
