package httpstore_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"roamii/internal/config"
	"roamii/internal/http/server"
	"roamii/internal/identity"
	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/store/httpstore"
	"roamii/internal/store/kvstore"
	"roamii/internal/tracker"
	"roamii/internal/visitor"
)

// Wednesday.
var now = time.Date(2025, time.March, 12, 15, 30, 0, 0, time.UTC)

func serve(t *testing.T, h fasthttp.RequestHandler) *httpstore.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, h) }()
	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return httpstore.New("http://roamii.test/", httpstore.WithHTTPClient(hc))
}

func newBackend(t *testing.T) (*quartz.Mock, *kvstore.Store, *httpstore.Client) {
	t.Helper()
	clock := quartz.NewMock(t)
	require.NoError(t, clock.Set(now).Wait(context.Background()))
	st := kvstore.New(kvstore.NewMemoryNamespace(), clock)
	h := server.NewHandler(server.Deps{
		Config: &config.Config{},
		Store:  st,
		Guard:  store.NewGuard(st, quota.Default(), clock),
		Clock:  clock,
	})
	return clock, st, serve(t, h)
}

func TestLoadSave(t *testing.T) {
	ctx := context.Background()
	_, st, c := newBackend(t)

	_, err := c.Load(ctx, "visitor_1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec := visitor.NewRecord("visitor_1", now)
	rec.Append(visitor.NewUsageEvent(now))
	res, err := c.Save(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.IsNewVisitor)

	res, err = c.Save(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.IsNewVisitor)

	got, err := c.Load(ctx, "visitor_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	require.Len(t, got.WeeklyUsage, 1)
	assert.True(t, now.Equal(got.WeeklyUsage[0].Timestamp))

	direct, err := st.Load(ctx, "visitor_1")
	require.NoError(t, err)
	assert.Equal(t, got.TotalRuns, direct.TotalRuns)
}

func TestSaveRejected(t *testing.T) {
	_, _, c := newBackend(t)
	_, err := c.Save(context.Background(), &visitor.Record{VisitorID: "a/b"})
	var se *httpstore.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fasthttp.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "Invalid visitor ID", se.Message)
}

func TestLoadMalformed(t *testing.T) {
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"visitorId": 12`)
	})
	_, err := c.Load(context.Background(), "visitor_1")
	assert.ErrorIs(t, err, store.ErrMalformed)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadServerError(t *testing.T) {
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"Failed to load visitor data"}`)
	})
	_, err := c.Load(context.Background(), "visitor_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	var se *httpstore.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Failed to load visitor data", se.Message)
}

func TestCanceledContext(t *testing.T) {
	_, _, c := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Load(ctx, "visitor_1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrackerOverHTTP(t *testing.T) {
	ctx := context.Background()
	clock, st, c := newBackend(t)

	storage := identity.NewMemoryStorage()
	require.NoError(t, storage.Set(identity.VisitorKey, "visitor_remote"))
	resolver := identity.NewResolver(storage, identity.NewMemoryJar(), clock, nil)
	tr := tracker.New(c, resolver, tracker.WithClock(clock))
	tr.Init(ctx)
	require.Equal(t, tracker.Ready, tr.State())

	stats, err := tr.RecordUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemainingRuns)

	rec, err := st.Load(ctx, "visitor_remote")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalRuns)

	// A second session picks up the stored usage.
	again := tracker.New(c, resolver, tracker.WithClock(clock))
	again.Init(ctx)
	assert.Equal(t, 1, again.Stats().CurrentWeekRuns)
}
