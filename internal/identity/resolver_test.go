package identity_test

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"roamii/internal/identity"
)

var now = time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)

func newClock(t *testing.T) *quartz.Mock {
	t.Helper()
	clock := quartz.NewMock(t)
	require.NoError(t, clock.Set(now).Wait(context.Background()))
	return clock
}

func TestResolveNewVisitor(t *testing.T) {
	storage := identity.NewMemoryStorage()
	jar := identity.NewMemoryJar()
	r := identity.NewResolver(storage, jar, newClock(t), nil)

	id := r.Resolve()
	assert.True(t, strings.HasPrefix(id, "visitor_1741770000000_"), id)

	stored, ok := storage.Get(identity.VisitorKey)
	require.True(t, ok)
	assert.Equal(t, id, stored)

	c, ok := jar.Raw(identity.CookieName)
	require.True(t, ok)
	assert.Equal(t, id, string(c.Value()))
	assert.Equal(t, "/", string(c.Path()))
	assert.Equal(t, fasthttp.CookieSameSiteLaxMode, c.SameSite())
	assert.Equal(t, now.Add(identity.CookieLifetime), c.Expire())
}

func TestResolveIsIdempotent(t *testing.T) {
	r := identity.NewResolver(identity.NewMemoryStorage(), identity.NewMemoryJar(), newClock(t), nil)
	first := r.Resolve()
	assert.Equal(t, first, r.Resolve())
}

func TestResolveDurableStoreWins(t *testing.T) {
	storage := identity.NewMemoryStorage()
	require.NoError(t, storage.Set(identity.VisitorKey, "A"))
	jar := identity.NewMemoryJar()
	c := &fasthttp.Cookie{}
	c.SetKey(identity.CookieName)
	c.SetValue("B")
	require.NoError(t, jar.SetCookie(c))

	r := identity.NewResolver(storage, jar, newClock(t), nil)
	assert.Equal(t, "A", r.Resolve())

	cookieID, ok := jar.Cookie(identity.CookieName)
	require.True(t, ok)
	assert.Equal(t, "A", cookieID, "cookie is rewritten to the durable value")
}

func TestResolveBackfillsDurableStoreFromCookie(t *testing.T) {
	jar := identity.NewMemoryJar()
	first := identity.NewResolver(identity.NewMemoryStorage(), jar, newClock(t), nil).Resolve()

	// The durable store was cleared; the cookie survived.
	storage := identity.NewMemoryStorage()
	r := identity.NewResolver(storage, jar, newClock(t), nil)
	assert.Equal(t, first, r.Resolve())

	stored, ok := storage.Get(identity.VisitorKey)
	require.True(t, ok)
	assert.Equal(t, first, stored)
}

func TestResolveRestoresCookieFromDurableStore(t *testing.T) {
	storage := identity.NewMemoryStorage()
	first := identity.NewResolver(storage, identity.NewMemoryJar(), newClock(t), nil).Resolve()

	jar := identity.NewMemoryJar()
	assert.Equal(t, first, identity.NewResolver(storage, jar, newClock(t), nil).Resolve())
	cookieID, ok := jar.Cookie(identity.CookieName)
	require.True(t, ok)
	assert.Equal(t, first, cookieID)
}

type failingStorage struct{}

func (failingStorage) Get(string) (string, bool) { return "", false }
func (failingStorage) Set(string, string) error  { return errors.New("quota exceeded") }

func TestResolveSurvivesStorageFailure(t *testing.T) {
	jar := identity.NewMemoryJar()
	r := identity.NewResolver(failingStorage{}, jar, newClock(t), nil)
	id := r.Resolve()
	assert.NotEmpty(t, id)

	// The cookie still carries the identity on the next resolution.
	assert.Equal(t, id, r.Resolve())
}

func TestMirror(t *testing.T) {
	storage := identity.NewMemoryStorage()
	jar := identity.NewMemoryJar()
	r := identity.NewResolver(storage, jar, newClock(t), nil)

	_, ok := r.ReadMirror()
	assert.False(t, ok)

	m := identity.Mirror{VisitorID: "visitor_1", TotalRuns: 3, CurrentWeekRuns: 1, RemainingRuns: 1}
	r.WriteMirror(m)

	got, ok := r.ReadMirror()
	require.True(t, ok)
	assert.Equal(t, m, got)

	escaped, ok := jar.Cookie(identity.MirrorKey)
	require.True(t, ok)
	raw, err := url.QueryUnescape(escaped)
	require.NoError(t, err)
	assert.JSONEq(t, `{"visitorId":"visitor_1","totalRuns":3,"currentWeekRuns":1,"remainingRuns":1}`, raw)
}

func TestMirrorFallsBackToCookie(t *testing.T) {
	jar := identity.NewMemoryJar()
	m := identity.Mirror{VisitorID: "visitor_1", TotalRuns: 1, CurrentWeekRuns: 1, RemainingRuns: 1}
	identity.NewResolver(identity.NewMemoryStorage(), jar, newClock(t), nil).WriteMirror(m)

	storage := identity.NewMemoryStorage()
	require.NoError(t, storage.Set(identity.MirrorKey, "{not json"))
	r := identity.NewResolver(storage, jar, newClock(t), nil)

	got, ok := r.ReadMirror()
	require.True(t, ok)
	assert.Equal(t, m, got)

	raw, ok := storage.Get(identity.MirrorKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"visitorId":"visitor_1","totalRuns":1,"currentWeekRuns":1,"remainingRuns":1}`, raw, "valid cookie copy is synced back")
}

func TestFileBackedStoresPersist(t *testing.T) {
	dir := t.TempDir()
	clock := newClock(t)

	storage, err := identity.OpenFileStorage(filepath.Join(dir, "storage.json"))
	require.NoError(t, err)
	jar, err := identity.OpenCookieFile(filepath.Join(dir, "cookies.txt"), clock)
	require.NoError(t, err)
	id := identity.NewResolver(storage, jar, clock, nil).Resolve()

	storage2, err := identity.OpenFileStorage(filepath.Join(dir, "storage.json"))
	require.NoError(t, err)
	jar2, err := identity.OpenCookieFile(filepath.Join(dir, "cookies.txt"), clock)
	require.NoError(t, err)

	stored, ok := storage2.Get(identity.VisitorKey)
	require.True(t, ok)
	assert.Equal(t, id, stored)
	cookieID, ok := jar2.Cookie(identity.CookieName)
	require.True(t, ok)
	assert.Equal(t, id, cookieID)

	// Losing the durable file alone keeps the identity.
	fresh, err := identity.OpenFileStorage(filepath.Join(dir, "other.json"))
	require.NoError(t, err)
	assert.Equal(t, id, identity.NewResolver(fresh, jar2, clock, nil).Resolve())
}

func TestCookieFileExpiry(t *testing.T) {
	clock := newClock(t)
	jar, err := identity.OpenCookieFile(filepath.Join(t.TempDir(), "cookies.txt"), clock)
	require.NoError(t, err)

	c := &fasthttp.Cookie{}
	c.SetKey("short")
	c.SetValue("v")
	c.SetExpire(now.Add(time.Hour))
	require.NoError(t, jar.SetCookie(c))

	v, ok := jar.Cookie("short")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, clock.Advance(2*time.Hour).Wait(context.Background()))
	_, ok = jar.Cookie("short")
	assert.False(t, ok)
}
