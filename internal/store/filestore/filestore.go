// Package filestore keeps every visitor record in a single JSON registry
// file. Each operation reads the file, applies its change and rewrites the
// whole file atomically while holding an exclusive lock, so processes that
// share the file never lose each other's updates.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/visitor"
)

// ErrCorrupt reports a registry file that exists but cannot be decoded.
// Writes are refused until the file is repaired or removed.
var ErrCorrupt = errors.New("visitor registry file is corrupt")

const lockRetryDelay = 10 * time.Millisecond

type registry struct {
	Visitors   map[string]*visitor.Record `json:"visitors"`
	Metadata   store.Metadata             `json:"metadata"`
	UsageStats store.UsageStats           `json:"usageStats"`
}

// Store is a store.Store over one registry file.
type Store struct {
	path  string
	clock quartz.Clock

	// mu serializes goroutines of this process; lock serializes processes.
	mu   sync.Mutex
	lock *flock.Flock
}

var (
	_ store.Store          = (*Store)(nil)
	_ store.MetadataReader = (*Store)(nil)
)

// Open prepares the registry at path, creating an empty one if the file
// does not exist yet. The lock file lives next to it.
func Open(ctx context.Context, path string, clock quartz.Clock) (*Store, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	s := &Store{path: path, clock: clock, lock: flock.New(path + ".lock")}

	err := s.update(ctx, func(*registry) (bool, error) { return false, nil })
	if err != nil && !errors.Is(err, ErrCorrupt) {
		_ = s.lock.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Load(ctx context.Context, visitorID string) (*visitor.Record, error) {
	var rec *visitor.Record
	err := s.view(ctx, func(reg *registry) error {
		r, ok := reg.Visitors[visitorID]
		if !ok || r == nil {
			return store.ErrNotFound
		}
		rec = r.Clone()
		return nil
	})
	return rec, err
}

func (s *Store) Save(ctx context.Context, rec *visitor.Record) (store.SaveResult, error) {
	if rec == nil || rec.VisitorID == "" {
		return store.SaveResult{}, errors.New("visitor id is required")
	}
	var res store.SaveResult
	err := s.update(ctx, func(reg *registry) (bool, error) {
		_, exists := reg.Visitors[rec.VisitorID]
		res.IsNewVisitor = !exists
		cp := rec.Clone()
		cp.Normalize(visitor.NewRecord(rec.VisitorID, s.clock.Now()))
		reg.Visitors[rec.VisitorID] = cp
		if !exists {
			reg.Metadata.TotalVisitors++
		}
		return true, nil
	})
	return res, err
}

func (s *Store) Consume(ctx context.Context, visitorID string, now time.Time, policy quota.Policy) (*visitor.Record, quota.Status, error) {
	var (
		out    *visitor.Record
		status quota.Status
	)
	err := s.update(ctx, func(reg *registry) (bool, error) {
		rec, exists := reg.Visitors[visitorID]
		if !exists || rec == nil {
			rec = visitor.NewRecord(visitorID, now)
		}
		st, err := policy.Check(rec, now)
		if err != nil {
			out, status = rec.Clone(), st
			return false, err
		}
		rec.Append(visitor.NewUsageEvent(now))
		reg.Visitors[visitorID] = rec
		if !exists {
			reg.Metadata.TotalVisitors++
		}
		out, status = rec.Clone(), policy.Evaluate(rec, now)
		return true, nil
	})
	return out, status, err
}

func (s *Store) Visitors(ctx context.Context) ([]*visitor.Record, error) {
	var out []*visitor.Record
	err := s.view(ctx, func(reg *registry) error {
		out = make([]*visitor.Record, 0, len(reg.Visitors))
		for _, r := range reg.Visitors {
			if r != nil {
				out = append(out, r.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, err
}

func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(reg *registry) (bool, error) {
		for _, r := range reg.Visitors {
			if r != nil {
				removed += r.PruneOlderThan(cutoff)
			}
		}
		return removed > 0, nil
	})
	return removed, err
}

func (s *Store) Metadata(ctx context.Context) (store.Metadata, error) {
	var meta store.Metadata
	err := s.view(ctx, func(reg *registry) error {
		meta = reg.Metadata
		return nil
	})
	return meta, err
}

func (s *Store) UsageStats(ctx context.Context) (store.UsageStats, error) {
	var stats store.UsageStats
	err := s.view(ctx, func(reg *registry) error {
		stats = reg.UsageStats
		return nil
	})
	return stats, err
}

func (s *Store) SaveUsageStats(ctx context.Context, stats store.UsageStats) error {
	return s.update(ctx, func(reg *registry) (bool, error) {
		reg.UsageStats = stats
		return true, nil
	})
}

func (s *Store) Close() error {
	return s.lock.Close()
}

func (s *Store) view(ctx context.Context, fn func(*registry) error) error {
	return s.withLock(ctx, func() error {
		reg, _, err := s.read()
		if err != nil {
			return err
		}
		return fn(reg)
	})
}

// update runs fn against the current registry and rewrites the file when fn
// reports a change. A missing file is always written so the registry exists
// after the first operation.
func (s *Store) update(ctx context.Context, fn func(*registry) (bool, error)) error {
	return s.withLock(ctx, func() error {
		reg, missing, err := s.read()
		if err != nil {
			return err
		}
		changed, fnErr := fn(reg)
		if !changed && !missing {
			return fnErr
		}
		if changed {
			reg.Metadata.LastUpdated = s.clock.Now().UTC()
			reg.Metadata.TotalRuns = 0
			for _, r := range reg.Visitors {
				if r != nil {
					reg.Metadata.TotalRuns += r.TotalRuns
				}
			}
		}
		if err := s.write(reg); err != nil {
			return err
		}
		return fnErr
	})
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if !ok {
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("could not acquire registry lock %s: %w", s.lock.Path(), err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) read() (*registry, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			now := s.clock.Now().UTC()
			return &registry{
				Visitors: map[string]*visitor.Record{},
				Metadata: store.Metadata{Created: now, LastUpdated: now},
			}, true, nil
		}
		return nil, false, fmt.Errorf("failed to read registry: %w", err)
	}

	var reg registry
	if err := jsonpkg.Unmarshal(data, &reg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if reg.Visitors == nil {
		reg.Visitors = map[string]*visitor.Record{}
	}
	return &reg, false, nil
}

func (s *Store) write(reg *registry) error {
	data, err := jsonpkg.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}
