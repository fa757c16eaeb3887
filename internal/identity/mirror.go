package identity

import (
	"net/url"

	jsonpkg "roamii/internal/pkg/json"
)

// Mirror is a local cache of the visitor's usage. It is never authoritative
// and is rewritten from the persisted record on every tracker init.
type Mirror struct {
	VisitorID       string `json:"visitorId"`
	TotalRuns       int    `json:"totalRuns"`
	CurrentWeekRuns int    `json:"currentWeekRuns"`
	RemainingRuns   int    `json:"remainingRuns"`
}

// WriteMirror stores m in both the durable store and the cookie jar.
func (r *Resolver) WriteMirror(m Mirror) {
	raw, err := jsonpkg.MarshalString(m)
	if err != nil {
		r.logger.Printf("identity: encode mirror: %v", err)
		return
	}
	r.setStorage(MirrorKey, raw)
	r.setCookie(MirrorKey, url.QueryEscape(raw))
}

// ReadMirror returns the cached mirror, preferring the durable store and
// falling back to the cookie. A valid cookie copy is written back to the
// durable store.
func (r *Resolver) ReadMirror() (Mirror, bool) {
	var m Mirror
	if raw, ok := r.storage.Get(MirrorKey); ok {
		if err := jsonpkg.UnmarshalString(raw, &m); err == nil {
			return m, true
		}
		r.logger.Printf("identity: invalid mirror in storage, trying cookie")
	}

	escaped, ok := r.jar.Cookie(MirrorKey)
	if !ok {
		return Mirror{}, false
	}
	raw, err := url.QueryUnescape(escaped)
	if err != nil {
		return Mirror{}, false
	}
	m = Mirror{}
	if err := jsonpkg.UnmarshalString(raw, &m); err != nil {
		r.logger.Printf("identity: invalid mirror cookie, will refresh")
		return Mirror{}, false
	}
	r.setStorage(MirrorKey, raw)
	return m, true
}
