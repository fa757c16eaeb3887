package middleware

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"log"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"roamii/internal/config"
	httpctx "roamii/internal/http/ctx"
	jsonpkg "roamii/internal/pkg/json"
)

// AdminAuth returns middleware that checks HTTP basic credentials against
// APP_ADMIN_USER and APP_ADMIN_PASSWORD. The password is kept only as a
// bcrypt hash. With no password configured every request is refused.
func AdminAuth(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	var hash []byte
	if cfg.AdminPassword != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("admin auth disabled: failed to hash password: %v", err)
		} else {
			hash = h
		}
	}
	user := []byte(cfg.AdminUser)

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if hash == nil {
				writeError(ctx, fasthttp.StatusForbidden, "admin access is disabled")
				return
			}
			u, p, ok := basicAuth(ctx.Request.Header.Peek("Authorization"))
			if !ok || subtle.ConstantTimeCompare(u, user) != 1 || bcrypt.CompareHashAndPassword(hash, p) != nil {
				ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="roamii"`)
				writeError(ctx, fasthttp.StatusUnauthorized, "invalid credentials")
				return
			}
			httpctx.SetAdminUser(ctx, string(u))
			next(ctx)
		}
	}
}

func basicAuth(header []byte) (user, pass []byte, ok bool) {
	const prefix = "Basic "
	if !bytes.HasPrefix(header, []byte(prefix)) {
		return nil, nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(header[len(prefix):]))
	if err != nil {
		return nil, nil, false
	}
	user, pass, ok = bytes.Cut(decoded, []byte(":"))
	return user, pass, ok
}

func writeError(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	body, _ := jsonpkg.Marshal(map[string]string{"error": msg})
	ctx.SetBody(body)
}
