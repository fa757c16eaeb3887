package filestore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/store/filestore"
	"roamii/internal/visitor"
)

// Wednesday.
var now = time.Date(2025, time.March, 12, 15, 30, 0, 0, time.UTC)

func open(t *testing.T, path string) *filestore.Store {
	t.Helper()
	clock := quartz.NewMock(t)
	require.NoError(t, clock.Set(now).Wait(context.Background()))
	s, err := filestore.Open(context.Background(), path, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesEmptyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visitor.json")
	s := open(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"visitors": {}`)

	meta, err := s.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, meta.Created)
	assert.Zero(t, meta.TotalVisitors)
}

func TestLoadUnknownVisitor(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))
	_, err := s.Load(context.Background(), "visitor_x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))

	rec := visitor.NewRecord("visitor_a", now)
	rec.Append(visitor.NewUsageEvent(now))

	res, err := s.Save(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.IsNewVisitor)

	got, err := s.Load(ctx, "visitor_a")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Append(visitor.NewUsageEvent(now.Add(time.Minute)))
	res, err = s.Save(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.IsNewVisitor)

	meta, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.TotalVisitors)
	assert.Equal(t, 2, meta.TotalRuns)
}

func TestSaveRequiresVisitorID(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))
	_, err := s.Save(context.Background(), &visitor.Record{})
	assert.Error(t, err)
}

func TestConsumeEnforcesPolicy(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))
	policy := quota.Default()

	for i := 0; i < 2; i++ {
		rec, status, err := s.Consume(ctx, "visitor_a", now.Add(time.Duration(i)*time.Minute), policy)
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.TotalRuns)
		assert.Equal(t, 1-i, status.RemainingRuns)
	}

	rec, status, err := s.Consume(ctx, "visitor_a", now.Add(time.Hour), policy)
	require.ErrorIs(t, err, quota.ErrExceeded)
	assert.False(t, status.CanUse)
	assert.Equal(t, 2, rec.TotalRuns)

	stored, err := s.Load(ctx, "visitor_a")
	require.NoError(t, err)
	assert.Len(t, stored.WeeklyUsage, 2, "a refused run is not recorded")

	// Next Monday the allowance is back.
	_, status, err = s.Consume(ctx, "visitor_a", time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC), policy)
	require.NoError(t, err)
	assert.Equal(t, 1, status.CurrentWeekRuns)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))

	rec := visitor.NewRecord("visitor_a", now.AddDate(0, 0, -10))
	rec.Append(visitor.NewUsageEvent(now.AddDate(0, 0, -10)))
	rec.Append(visitor.NewUsageEvent(now.AddDate(0, 0, -1)))
	_, err := s.Save(ctx, rec)
	require.NoError(t, err)

	removed, err := store.PruneExpired(ctx, s, quota.Default(), now, store.DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := s.Load(ctx, "visitor_a")
	require.NoError(t, err)
	assert.Len(t, got.WeeklyUsage, 1)
	assert.Equal(t, 2, got.TotalRuns)

	removed, err = store.PruneExpired(ctx, s, quota.Default(), now, store.DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCorruptRegistryIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "visitor.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := open(t, path)
	_, err := s.Load(ctx, "visitor_a")
	assert.ErrorIs(t, err, filestore.ErrCorrupt)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	_, err = s.Save(ctx, visitor.NewRecord("visitor_a", now))
	assert.ErrorIs(t, err, filestore.ErrCorrupt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestConcurrentConsumeAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "visitor.json")
	// Two handles on one file stand in for two server processes.
	a, b := open(t, path), open(t, path)
	policy := quota.Policy{MaxWeekly: 100, Boundary: quota.BoundaryMidnight}

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("visitor_%d", i)
		for _, s := range []*filestore.Store{a, b} {
			s := s
			eg.Go(func() error {
				_, _, err := s.Consume(ctx, id, now, policy)
				return err
			})
		}
	}
	require.NoError(t, eg.Wait())

	records, err := a.Visitors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for _, r := range records {
		assert.Equal(t, 2, r.TotalRuns, r.VisitorID)
	}

	meta, err := b.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, meta.TotalVisitors)
	assert.Equal(t, 20, meta.TotalRuns)
}

func TestConcurrentConsumeNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "visitor.json"))

	var eg errgroup.Group
	results := make([]error, 8)
	for i := range results {
		i := i
		eg.Go(func() error {
			_, _, results[i] = s.Consume(ctx, "visitor_a", now, quota.Default())
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	allowed := 0
	for _, err := range results {
		if err == nil {
			allowed++
		} else {
			assert.ErrorIs(t, err, quota.ErrExceeded)
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestUsageStats(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "visitor.json")
	s := open(t, path)

	stats, err := s.UsageStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.UsageCount)
	assert.Nil(t, stats.LastUpdated)

	at := now.Add(-time.Hour)
	require.NoError(t, s.SaveUsageStats(ctx, store.UsageStats{UsageCount: 42, LastUpdated: &at}))
	_, err = s.Save(ctx, visitor.NewRecord("visitor_a", now))
	require.NoError(t, err)

	// A second handle sees the counter, and saving visitors keeps it.
	stats, err = open(t, path).UsageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, stats.UsageCount)
	require.NotNil(t, stats.LastUpdated)
	assert.True(t, at.Equal(*stats.LastUpdated))
}
