package middleware

import (
	"github.com/valyala/fasthttp"

	httpctx "roamii/internal/http/ctx"
	"roamii/internal/identity"
	"roamii/internal/visitor"
)

// VisitorCookie puts the visitor id from the identity cookie on the
// request context. Requests without a usable cookie pass through unchanged.
func VisitorCookie(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Cookie(identity.CookieName))
		if visitor.ValidID(id) {
			httpctx.SetVisitorID(ctx, id)
		}
		next(ctx)
	}
}
