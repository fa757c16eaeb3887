package middleware

import (
	"bytes"

	"github.com/valyala/fasthttp"
)

var apiPrefix = []byte("/api/")

// CORS allows browser clients on any origin to call /api/*. Preflight
// requests are answered directly with 200.
func CORS(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !bytes.HasPrefix(ctx.Path(), apiPrefix) {
			next(ctx)
			return
		}

		h := &ctx.Response.Header
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if ctx.IsOptions() {
			ctx.SetStatusCode(fasthttp.StatusOK)
			return
		}
		next(ctx)
	}
}
