package middleware

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"roamii/internal/config"
	httpctx "roamii/internal/http/ctx"
	"roamii/internal/identity"
)

func ok(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("next") }

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAdminAuth(t *testing.T) {
	h := AdminAuth(&config.Config{AdminUser: "admin", AdminPassword: "s3cret"})(func(ctx *fasthttp.RequestCtx) {
		user, _ := httpctx.AdminUserFromCtx(ctx)
		ctx.SetBodyString("hello " + user)
	})

	for _, tc := range []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", fasthttp.StatusUnauthorized},
		{"not basic", "Bearer abc", fasthttp.StatusUnauthorized},
		{"bad base64", "Basic !!!", fasthttp.StatusUnauthorized},
		{"wrong user", basic("root", "s3cret"), fasthttp.StatusUnauthorized},
		{"wrong password", basic("admin", "nope"), fasthttp.StatusUnauthorized},
		{"valid", basic("admin", "s3cret"), fasthttp.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			if tc.header != "" {
				ctx.Request.Header.Set("Authorization", tc.header)
			}
			h(&ctx)
			assert.Equal(t, tc.status, ctx.Response.StatusCode())
			if tc.status == fasthttp.StatusOK {
				assert.Equal(t, "hello admin", string(ctx.Response.Body()))
			} else {
				assert.JSONEq(t, `{"error":"invalid credentials"}`, string(ctx.Response.Body()))
				assert.NotEmpty(t, ctx.Response.Header.Peek("WWW-Authenticate"))
			}
		})
	}
}

func TestAdminAuthDisabledWithoutPassword(t *testing.T) {
	h := AdminAuth(&config.Config{AdminUser: "admin"})(ok)
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("Authorization", basic("admin", ""))
	h(&ctx)
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())
}

func TestCORS(t *testing.T) {
	h := CORS(ok)

	var pre fasthttp.RequestCtx
	pre.Request.Header.SetMethod(fasthttp.MethodOptions)
	pre.Request.SetRequestURI("/api/use-default-key")
	h(&pre)
	assert.Equal(t, fasthttp.StatusOK, pre.Response.StatusCode())
	assert.Empty(t, pre.Response.Body(), "preflight does not reach the handler")
	assert.Equal(t, "*", string(pre.Response.Header.Peek("Access-Control-Allow-Origin")))
	assert.Equal(t, "GET, POST, OPTIONS", string(pre.Response.Header.Peek("Access-Control-Allow-Methods")))

	var get fasthttp.RequestCtx
	get.Request.SetRequestURI("/api/config")
	h(&get)
	assert.Equal(t, "next", string(get.Response.Body()))
	assert.Equal(t, "Content-Type", string(get.Response.Header.Peek("Access-Control-Allow-Headers")))

	var other fasthttp.RequestCtx
	other.Request.SetRequestURI("/healthz")
	h(&other)
	assert.Empty(t, other.Response.Header.Peek("Access-Control-Allow-Origin"))
}

func TestVisitorCookie(t *testing.T) {
	var seen string
	h := VisitorCookie(func(ctx *fasthttp.RequestCtx) {
		seen, _ = httpctx.VisitorIDFromCtx(ctx)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetCookie(identity.CookieName, "visitor_1_abc")
	h(&ctx)
	assert.Equal(t, "visitor_1_abc", seen)

	seen = ""
	var bad fasthttp.RequestCtx
	bad.Request.Header.SetCookie(identity.CookieName, "../etc/passwd")
	h(&bad)
	assert.Empty(t, seen)
}
