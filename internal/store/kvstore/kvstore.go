// Package kvstore stores each visitor record as one JSON value in a
// key-value namespace, under the key "visitors/<id>.json".
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/visitor"
)

const (
	keyPrefix = "visitors/"
	keySuffix = ".json"

	// UsageStatsKey holds the global usage counter, outside the visitor
	// prefix.
	UsageStatsKey = "usage-stats.json"

	// maxAttempts bounds the optimistic retry loop of conditional writes.
	maxAttempts = 8
)

// Key returns the namespace key of a visitor's record.
func Key(visitorID string) string {
	return keyPrefix + visitorID + keySuffix
}

// Store is a store.Store over a Namespace.
type Store struct {
	ns    Namespace
	clock quartz.Clock
}

var _ store.Store = (*Store)(nil)

func New(ns Namespace, clock quartz.Clock) *Store {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Store{ns: ns, clock: clock}
}

// Load returns the visitor's record. A value that fails to decode is
// reported as both store.ErrNotFound and store.ErrMalformed.
func (s *Store) Load(ctx context.Context, visitorID string) (*visitor.Record, error) {
	rec, _, err := s.get(ctx, visitorID)
	return rec, err
}

// Save overwrites the visitor's record.
func (s *Store) Save(ctx context.Context, rec *visitor.Record) (store.SaveResult, error) {
	if rec == nil || rec.VisitorID == "" {
		return store.SaveResult{}, errors.New("visitor id is required")
	}
	_, err := s.ns.Get(ctx, Key(rec.VisitorID))
	isNew := errors.Is(err, ErrKeyNotFound)
	if err != nil && !isNew {
		return store.SaveResult{}, fmt.Errorf("failed to read %s: %w", Key(rec.VisitorID), err)
	}

	cp := rec.Clone()
	cp.Normalize(visitor.NewRecord(rec.VisitorID, s.clock.Now()))
	value, err := jsonpkg.Marshal(cp)
	if err != nil {
		return store.SaveResult{}, err
	}
	if _, err := s.ns.Put(ctx, Key(rec.VisitorID), value, metadataOf(cp)); err != nil {
		return store.SaveResult{}, fmt.Errorf("failed to write %s: %w", Key(rec.VisitorID), err)
	}
	return store.SaveResult{IsNewVisitor: isNew}, nil
}

// Consume is an optimistic read-modify-write: the write only lands if the
// entry is unchanged since it was read, and is retried otherwise.
func (s *Store) Consume(ctx context.Context, visitorID string, now time.Time, policy quota.Policy) (*visitor.Record, quota.Status, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, version, err := s.get(ctx, visitorID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			// Absent and undecodable records both start over.
			rec = visitor.NewRecord(visitorID, now)
		default:
			return nil, quota.Status{}, err
		}

		status, err := policy.Check(rec, now)
		if err != nil {
			return rec, status, err
		}
		rec.Append(visitor.NewUsageEvent(now))

		value, err := jsonpkg.Marshal(rec)
		if err != nil {
			return nil, quota.Status{}, err
		}
		_, err = s.ns.PutIfVersion(ctx, Key(visitorID), value, metadataOf(rec), version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, quota.Status{}, fmt.Errorf("failed to write %s: %w", Key(visitorID), err)
		}
		return rec, policy.Evaluate(rec, now), nil
	}
	return nil, quota.Status{}, fmt.Errorf("consume %s: %w", visitorID, store.ErrConflict)
}

// Visitors returns every decodable record.
func (s *Store) Visitors(ctx context.Context) ([]*visitor.Record, error) {
	keys, err := s.ns.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*visitor.Record, 0, len(keys))
	for _, k := range keys {
		id, ok := visitorIDFromKey(k)
		if !ok {
			continue
		}
		rec, _, err := s.get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Prune drops expired events record by record. A record that changed
// underneath is re-read and pruned again.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.ns.List(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, k := range keys {
		id, ok := visitorIDFromKey(k)
		if !ok {
			continue
		}
		n, err := s.pruneOne(ctx, id, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// UsageStats reads the global counter. An undecodable value matches
// store.ErrMalformed.
func (s *Store) UsageStats(ctx context.Context) (store.UsageStats, error) {
	var stats store.UsageStats
	e, err := s.ns.Get(ctx, UsageStatsKey)
	if errors.Is(err, ErrKeyNotFound) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to read %s: %w", UsageStatsKey, err)
	}
	if err := jsonpkg.Unmarshal(e.Value, &stats); err != nil {
		return store.UsageStats{}, fmt.Errorf("%w: %s: %v", store.ErrMalformed, UsageStatsKey, err)
	}
	return stats, nil
}

func (s *Store) SaveUsageStats(ctx context.Context, stats store.UsageStats) error {
	value, err := jsonpkg.Marshal(stats)
	if err != nil {
		return err
	}
	if _, err := s.ns.Put(ctx, UsageStatsKey, value, map[string]any{"usageCount": stats.UsageCount}); err != nil {
		return fmt.Errorf("failed to write %s: %w", UsageStatsKey, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) pruneOne(ctx context.Context, visitorID string, cutoff time.Time) (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, version, err := s.get(ctx, visitorID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n := rec.PruneOlderThan(cutoff)
		if n == 0 {
			return 0, nil
		}
		value, err := jsonpkg.Marshal(rec)
		if err != nil {
			return 0, err
		}
		_, err = s.ns.PutIfVersion(ctx, Key(visitorID), value, metadataOf(rec), version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("prune %s: %w", visitorID, store.ErrConflict)
}

// get returns the decoded record and the version it was read at. For an
// undecodable value the version is still returned so it can be replaced.
func (s *Store) get(ctx context.Context, visitorID string) (*visitor.Record, int64, error) {
	e, err := s.ns.Get(ctx, Key(visitorID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", Key(visitorID), err)
	}
	var rec visitor.Record
	if err := jsonpkg.Unmarshal(e.Value, &rec); err != nil {
		return nil, e.Version, fmt.Errorf("%w: %w: %v", store.ErrNotFound, store.ErrMalformed, err)
	}
	rec.Normalize(visitor.NewRecord(visitorID, s.clock.Now()))
	return &rec, e.Version, nil
}

func visitorIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) || !strings.HasSuffix(key, keySuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), keySuffix)
	return id, id != ""
}

// metadataOf is the summary kept beside each value, readable without
// decoding the record.
func metadataOf(rec *visitor.Record) map[string]any {
	return map[string]any{
		"totalRuns": rec.TotalRuns,
		"lastVisit": rec.LastVisit.UTC().Format(time.RFC3339Nano),
	}
}
