// Package server wires the HTTP routes of the visitor quota service.
package server

import (
	"github.com/coder/quartz"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"roamii/internal/config"
	"roamii/internal/http/handlers"
	appmw "roamii/internal/http/middleware"
	"roamii/internal/llm"
	"roamii/internal/store"
)

// Deps are the collaborators the routes are built from.
type Deps struct {
	Config *config.Config
	Store  store.Store
	Guard  *store.Guard
	// Completer is nil when no default key is configured.
	Completer llm.Completer
	Clock     quartz.Clock
}

// NewHandler returns the root handler: request logging and CORS around the
// router.
func NewHandler(d Deps) fasthttp.RequestHandler {
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	cfg := d.Config
	policy := d.Guard.Policy()
	admin := appmw.AdminAuth(cfg)

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	r.GET("/metrics", admin(handlers.MetricsHandler()))

	r.POST("/api/visitor-data", handlers.VisitorData(d.Store))
	r.POST("/api/save-visitor-data", handlers.SaveVisitorData(d.Store))
	r.GET("/api/usage-stats", handlers.UsageStats(d.Store))
	r.POST("/api/usage-stats", handlers.SaveUsageStats(d.Store, d.Clock))
	r.GET("/api/visitor-stats", admin(handlers.VisitorStats(d.Store, policy, d.Clock)))

	r.GET("/api/default-key-usage", handlers.DefaultKeyUsage(d.Guard))
	r.POST("/api/use-default-key", handlers.UseDefaultKey(d.Guard, d.Completer))
	r.GET("/api/config", handlers.Config(cfg.OpenAIModel, d.Completer != nil, policy))

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"API endpoint not found"}`)
	}

	// Global middleware chain: request logger, then CORS, then visitor cookie, then router
	return handlers.RequestLogger(appmw.CORS(appmw.VisitorCookie(r.Handler)))
}
