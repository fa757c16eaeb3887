package store

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/quartz"

	"roamii/internal/quota"
	"roamii/internal/visitor"
)

// Guard runs quota-checked work for a visitor. Calls for the same visitor
// are serialized within the process; the run is consumed only after the
// work succeeds.
type Guard struct {
	st     Store
	policy quota.Policy
	clock  quartz.Clock

	mu    sync.Mutex
	locks map[string]*visitorLock
}

type visitorLock struct {
	mu   sync.Mutex
	refs int
}

func NewGuard(st Store, policy quota.Policy, clock quartz.Clock) *Guard {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Guard{st: st, policy: policy, clock: clock, locks: map[string]*visitorLock{}}
}

// Policy returns the policy the guard enforces.
func (g *Guard) Policy() quota.Policy { return g.policy }

// Status reports the current allowance of visitorID. Unknown visitors have
// the full allowance.
func (g *Guard) Status(ctx context.Context, visitorID string) (quota.Status, error) {
	rec, err := g.load(ctx, visitorID)
	if err != nil {
		return quota.Status{}, err
	}
	return g.policy.Evaluate(rec, g.clock.Now()), nil
}

// Use checks the allowance of visitorID, runs fn and, if fn succeeded,
// consumes one run. It returns *quota.ExceededError without calling fn when
// nothing is left. On success the returned status reflects the consumed run;
// on any error it is the status seen before fn ran.
func (g *Guard) Use(ctx context.Context, visitorID string, fn func(ctx context.Context) error) (quota.Status, error) {
	unlock := g.lock(visitorID)
	defer unlock()

	rec, err := g.load(ctx, visitorID)
	if err != nil {
		return quota.Status{}, err
	}
	status, err := g.policy.Check(rec, g.clock.Now())
	if err != nil {
		return status, err
	}
	if err := fn(ctx); err != nil {
		return status, err
	}
	_, after, err := g.st.Consume(ctx, visitorID, g.clock.Now(), g.policy)
	if err != nil {
		return status, err
	}
	return after, nil
}

func (g *Guard) load(ctx context.Context, visitorID string) (*visitor.Record, error) {
	rec, err := g.st.Load(ctx, visitorID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (g *Guard) lock(visitorID string) func() {
	g.mu.Lock()
	l, ok := g.locks[visitorID]
	if !ok {
		l = &visitorLock{}
		g.locks[visitorID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, visitorID)
		}
		g.mu.Unlock()
	}
}
