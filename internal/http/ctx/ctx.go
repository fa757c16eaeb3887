package ctx

import (
	"github.com/valyala/fasthttp"
)

const (
	VisitorIDKey = "visitorId"
	AdminUserKey = "adminUser"
)

// SetVisitorID records the visitor id carried by the request cookie.
func SetVisitorID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(VisitorIDKey, id)
}

func VisitorIDFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(VisitorIDKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func SetAdminUser(ctx *fasthttp.RequestCtx, user string) {
	ctx.SetUserValue(AdminUserKey, user)
}

func AdminUserFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(AdminUserKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
