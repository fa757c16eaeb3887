// Package identity derives a stable visitor identifier from two client-side
// stores: a durable key/value store and a cookie jar. The durable store is
// authoritative; the cookie is a replica that lets the visitor survive the
// loss of either one.
package identity

import (
	"io"
	"log"
	"time"

	"github.com/coder/quartz"
	"github.com/valyala/fasthttp"

	"roamii/internal/visitor"
)

const (
	// VisitorKey is the durable-store key holding the raw visitor id.
	VisitorKey = "travel_planner_shared_visitor_id"
	// CookieName is the cookie carrying the same id.
	CookieName = "travel_planner_visitor_id"
	// MirrorKey names both the durable key and the cookie of the local
	// usage mirror.
	MirrorKey = "travel_planner_runs"
	// CookieLifetime is how long written cookies stay valid.
	CookieLifetime = 365 * 24 * time.Hour
)

// Storage is a durable, cross-session string store.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// CookieJar stores cookies for the client.
type CookieJar interface {
	Cookie(name string) (string, bool)
	SetCookie(c *fasthttp.Cookie) error
}

// Resolver reconciles the two stores into one visitor id.
type Resolver struct {
	storage Storage
	jar     CookieJar
	clock   quartz.Clock
	logger  *log.Logger
}

// NewResolver returns a Resolver over storage and jar. A nil clock uses the
// real clock and a nil logger discards output.
func NewResolver(storage Storage, jar CookieJar, clock quartz.Clock, logger *log.Logger) *Resolver {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Resolver{storage: storage, jar: jar, clock: clock, logger: logger}
}

// Resolve returns the visitor id, creating one on first use. Writes to
// either store are best effort: failures are logged and the id is still
// returned.
func (r *Resolver) Resolve() string {
	if id, ok := r.storage.Get(VisitorKey); ok && id != "" {
		if cookieID, ok := r.jar.Cookie(CookieName); !ok || cookieID != id {
			r.setCookie(CookieName, id)
			r.logger.Printf("identity: synchronized cookie with stored id %s", id)
		}
		return id
	}

	if id, ok := r.jar.Cookie(CookieName); ok && id != "" {
		r.setStorage(VisitorKey, id)
		r.logger.Printf("identity: migrated cookie id %s to durable storage", id)
		return id
	}

	id := visitor.NewID(r.clock.Now())
	r.setStorage(VisitorKey, id)
	r.setCookie(CookieName, id)
	r.logger.Printf("identity: new visitor %s", id)
	return id
}

func (r *Resolver) setStorage(key, value string) {
	if err := r.storage.Set(key, value); err != nil {
		r.logger.Printf("identity: write %s to storage: %v", key, err)
	}
}

func (r *Resolver) setCookie(name, value string) {
	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey(name)
	c.SetValue(value)
	c.SetPath("/")
	c.SetExpire(r.clock.Now().Add(CookieLifetime))
	c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	if err := r.jar.SetCookie(c); err != nil {
		r.logger.Printf("identity: write cookie %s: %v", name, err)
	}
}
