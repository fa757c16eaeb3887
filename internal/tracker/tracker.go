// Package tracker is the client-side quota session of one visitor: it
// resolves the visitor's identity, loads their record from a gateway and
// decides locally whether a default-key run is allowed.
//
// The decision is a local check-then-act. Two trackers for the same visitor
// (two tabs, two devices) can both see one run left and both record it; the
// server's store.Store.Consume is the authoritative check.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"

	"roamii/internal/identity"
	"roamii/internal/quota"
	"roamii/internal/store"
	"roamii/internal/visitor"
)

// State is the lifecycle stage of a Tracker.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNotReady is returned by operations that need a loaded record.
var ErrNotReady = errors.New("tracker is not initialized")

const (
	recentUsageLimit   = 5
	defaultPruneWindow = 7 * 24 * time.Hour
)

// Stats is the quota status of the visitor merged with identity and
// timestamps.
type Stats struct {
	VisitorID       string               `json:"visitorId"`
	TotalRuns       int                  `json:"totalRuns"`
	CurrentWeekRuns int                  `json:"currentWeekRuns"`
	RemainingRuns   int                  `json:"remainingRuns"`
	MaxWeeklyRuns   int                  `json:"maxWeeklyRuns"`
	CanUse          bool                 `json:"canUse"`
	FirstVisit      time.Time            `json:"firstVisit"`
	LastVisit       time.Time            `json:"lastVisit"`
	RecentUsage     []visitor.UsageEvent `json:"recentUsage"`
}

type Option func(*Tracker)

func WithClock(c quartz.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithPolicy(p quota.Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithPruneWindow sets how old a usage event must be to be dropped during
// Init. Events of the current week are never dropped.
func WithPruneWindow(d time.Duration) Option {
	return func(t *Tracker) { t.pruneWindow = d }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	gw          store.Gateway
	resolver    *identity.Resolver
	clock       quartz.Clock
	logger      *log.Logger
	policy      quota.Policy
	pruneWindow time.Duration

	mu    sync.Mutex
	state State
	rec   *visitor.Record
}

func New(gw store.Gateway, resolver *identity.Resolver, opts ...Option) *Tracker {
	t := &Tracker{
		gw:          gw,
		resolver:    resolver,
		clock:       quartz.NewReal(),
		logger:      log.New(io.Discard, "", 0),
		policy:      quota.Default(),
		pruneWindow: defaultPruneWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Init resolves the visitor and loads their record. It never fails: a
// missing, undecodable or unreachable record leaves the visitor at zero
// usage. Calling Init on a tracker that is not Uninitialized is a no-op.
func (t *Tracker) Init(ctx context.Context) {
	t.mu.Lock()
	if t.state != Uninitialized {
		t.mu.Unlock()
		return
	}
	t.state = Initializing
	t.mu.Unlock()

	id := t.resolver.Resolve()
	now := t.clock.Now()
	rec := visitor.NewRecord(id, now)

	loaded, err := t.gw.Load(ctx, id)
	switch {
	case err == nil:
		loaded.Normalize(rec)
		rec = loaded
	case errors.Is(err, store.ErrMalformed):
		t.logger.Printf("tracker: stored record for %s is malformed, starting fresh: %v", id, err)
	case errors.Is(err, store.ErrNotFound):
	default:
		t.logger.Printf("tracker: load visitor %s: %v", id, err)
	}
	// A record stored under another id still belongs to this visitor.
	rec.VisitorID = id

	if n := rec.PruneOlderThan(t.policy.PruneCutoff(now, t.pruneWindow)); n > 0 {
		t.logger.Printf("tracker: pruned %d old usage events for %s", n, id)
	}

	t.mu.Lock()
	t.rec = rec
	t.state = Ready
	stats := t.statsLocked(now)
	t.mu.Unlock()

	t.writeMirror(stats)
}

// Stats returns the current quota status. Before Init completes it reports
// a visitor with no usage.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(t.clock.Now())
}

// RecordUsage records one default-key run. It returns *quota.ExceededError
// without recording anything when no runs are left this week. If the save
// fails the run stays counted locally and the error is returned with the
// updated stats.
func (t *Tracker) RecordUsage(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	if t.state != Ready {
		t.mu.Unlock()
		return t.Stats(), ErrNotReady
	}
	now := t.clock.Now()
	if _, err := t.policy.Check(t.rec, now); err != nil {
		stats := t.statsLocked(now)
		t.mu.Unlock()
		return stats, err
	}
	t.rec.Append(visitor.NewUsageEvent(now))
	snapshot := t.rec.Clone()
	stats := t.statsLocked(now)
	t.mu.Unlock()

	t.writeMirror(stats)
	if _, err := t.gw.Save(ctx, snapshot); err != nil {
		return stats, fmt.Errorf("failed to save visitor data: %w", err)
	}
	return stats, nil
}

// Reset replaces the record with a zero-usage one for the same visitor and
// saves it.
func (t *Tracker) Reset(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	if t.state != Ready {
		t.mu.Unlock()
		return t.Stats(), ErrNotReady
	}
	now := t.clock.Now()
	t.rec = visitor.NewRecord(t.rec.VisitorID, now)
	snapshot := t.rec.Clone()
	stats := t.statsLocked(now)
	t.mu.Unlock()

	t.writeMirror(stats)
	if _, err := t.gw.Save(ctx, snapshot); err != nil {
		return stats, fmt.Errorf("failed to save visitor data: %w", err)
	}
	return stats, nil
}

func (t *Tracker) statsLocked(now time.Time) Stats {
	st := t.policy.Evaluate(t.rec, now)
	stats := Stats{
		TotalRuns:       st.TotalRuns,
		CurrentWeekRuns: st.CurrentWeekRuns,
		RemainingRuns:   st.RemainingRuns,
		MaxWeeklyRuns:   st.MaxWeeklyRuns,
		CanUse:          st.CanUse,
		RecentUsage:     []visitor.UsageEvent{},
	}
	if t.rec != nil {
		stats.VisitorID = t.rec.VisitorID
		stats.FirstVisit = t.rec.FirstVisit
		stats.LastVisit = t.rec.LastVisit
		stats.RecentUsage = t.rec.Recent(recentUsageLimit)
	}
	return stats
}

func (t *Tracker) writeMirror(s Stats) {
	t.resolver.WriteMirror(identity.Mirror{
		VisitorID:       s.VisitorID,
		TotalRuns:       s.TotalRuns,
		CurrentWeekRuns: s.CurrentWeekRuns,
		RemainingRuns:   s.RemainingRuns,
	})
}
