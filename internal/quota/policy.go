// Package quota decides how much of the weekly default-key allowance a
// visitor has left.
package quota

import (
	"errors"
	"time"

	"roamii/internal/visitor"
)

// DefaultMaxWeekly is the number of default-key runs a visitor gets per week.
const DefaultMaxWeekly = 2

// Boundary selects how the start of the week is computed.
type Boundary string

const (
	// BoundaryMidnight anchors the week at Monday 00:00.
	BoundaryMidnight Boundary = "midnight"
	// BoundaryRolling anchors the week at the preceding Monday at the same
	// time of day as now. Older accounting used this boundary.
	BoundaryRolling Boundary = "rolling"
)

// ParseBoundary maps a config value to a Boundary, defaulting to midnight.
func ParseBoundary(s string) Boundary {
	if Boundary(s) == BoundaryRolling {
		return BoundaryRolling
	}
	return BoundaryMidnight
}

// ErrExceeded matches any *ExceededError with errors.Is.
var ErrExceeded = errors.New("quota exceeded")

// ExceededError is returned when a visitor has no runs left this week.
type ExceededError struct {
	Status Status
}

func (e *ExceededError) Error() string {
	return "Weekly usage limit reached. Please try again next week."
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// Status is the outcome of evaluating a record against the policy.
type Status struct {
	CanUse          bool `json:"canUse"`
	CurrentWeekRuns int  `json:"currentWeekRuns"`
	RemainingRuns   int  `json:"remainingRuns"`
	TotalRuns       int  `json:"totalRuns"`
	MaxWeeklyRuns   int  `json:"maxWeeklyRuns"`
}

// Policy is the weekly allowance rule.
type Policy struct {
	MaxWeekly int
	Boundary  Boundary
}

// Default returns the two-runs-per-week policy anchored at Monday midnight.
func Default() Policy {
	return Policy{MaxWeekly: DefaultMaxWeekly, Boundary: BoundaryMidnight}
}

// WeekStart returns the most recent Monday at or before now, with the time
// of day kept as in now. Sunday belongs to the week that started six days
// earlier.
func WeekStart(now time.Time) time.Time {
	day := int(now.Weekday())
	delta := 1 - day
	if day == 0 {
		delta = -6
	}
	return now.AddDate(0, 0, delta)
}

// WeekStart applies the policy boundary to now, in now's location.
func (p Policy) WeekStart(now time.Time) time.Time {
	start := WeekStart(now)
	if p.Boundary == BoundaryRolling {
		return start
	}
	y, m, d := start.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// PruneCutoff returns the instant at or before which usage events may be
// dropped: now-window, but never at or after the start of the current week,
// whose events still count against the allowance.
func (p Policy) PruneCutoff(now time.Time, window time.Duration) time.Time {
	cutoff := now.Add(-window)
	if last := p.WeekStart(now).Add(-time.Nanosecond); cutoff.After(last) {
		return last
	}
	return cutoff
}

// Evaluate computes the remaining allowance for rec at now. A nil record is
// a visitor with no usage.
func (p Policy) Evaluate(rec *visitor.Record, now time.Time) Status {
	limit := p.MaxWeekly
	if limit < 0 {
		limit = 0
	}
	var used, total int
	if rec != nil {
		used = rec.CountSince(p.WeekStart(now))
		total = rec.TotalRuns
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		CanUse:          remaining > 0,
		CurrentWeekRuns: used,
		RemainingRuns:   remaining,
		TotalRuns:       total,
		MaxWeeklyRuns:   limit,
	}
}

// Check evaluates rec and returns an *ExceededError when no runs are left.
func (p Policy) Check(rec *visitor.Record, now time.Time) (Status, error) {
	st := p.Evaluate(rec, now)
	if !st.CanUse {
		return st, &ExceededError{Status: st}
	}
	return st, nil
}
