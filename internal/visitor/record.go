// Package visitor holds the visitor record and its usage ledger.
//
// A Record is a plain value: callers own their copy and reconcile it with a
// store by loading, mutating and saving it back.
package visitor

import (
	"time"
)

// UsageEvent is one recorded use of the shared credential.
type UsageEvent struct {
	Timestamp time.Time `json:"timestamp"`
	// ID is the creation time in epoch milliseconds; it only orders and
	// de-duplicates events.
	ID int64 `json:"id"`
}

// NewUsageEvent creates the event for a use happening at now.
func NewUsageEvent(now time.Time) UsageEvent {
	return UsageEvent{Timestamp: now.UTC(), ID: now.UnixMilli()}
}

// Record is the persisted state of one visitor.
//
// TotalRuns counts every event ever appended and never decreases, while
// WeeklyUsage is a rolling window that may be pruned. TotalRuns is therefore
// always >= len(WeeklyUsage).
type Record struct {
	VisitorID   string       `json:"visitorId"`
	TotalRuns   int          `json:"totalRuns"`
	WeeklyUsage []UsageEvent `json:"weeklyUsage"`
	FirstVisit  time.Time    `json:"firstVisit"`
	LastVisit   time.Time    `json:"lastVisit"`
}

// NewRecord returns the zero-usage record for a first-time visitor.
func NewRecord(visitorID string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		VisitorID:   visitorID,
		WeeklyUsage: []UsageEvent{},
		FirstVisit:  now,
		LastVisit:   now,
	}
}

// Append adds ev to the end of the ledger, counts it in TotalRuns and
// advances LastVisit.
func (r *Record) Append(ev UsageEvent) {
	r.WeeklyUsage = append(r.WeeklyUsage, ev)
	r.TotalRuns++
	r.LastVisit = ev.Timestamp
}

// PruneOlderThan drops every event stamped at or before cutoff and returns
// how many were removed. TotalRuns is left untouched.
func (r *Record) PruneOlderThan(cutoff time.Time) int {
	kept := r.WeeklyUsage[:0]
	for _, ev := range r.WeeklyUsage {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(r.WeeklyUsage) - len(kept)
	// Zero the tail so pruned events are not retained by the backing array.
	for i := len(kept); i < len(r.WeeklyUsage); i++ {
		r.WeeklyUsage[i] = UsageEvent{}
	}
	r.WeeklyUsage = kept
	return removed
}

// CountSince returns the number of events stamped at or after start.
func (r *Record) CountSince(start time.Time) int {
	n := 0
	for _, ev := range r.WeeklyUsage {
		if !ev.Timestamp.Before(start) {
			n++
		}
	}
	return n
}

// Recent returns up to n of the newest events, oldest first.
func (r *Record) Recent(n int) []UsageEvent {
	if n <= 0 || len(r.WeeklyUsage) == 0 {
		return []UsageEvent{}
	}
	if n > len(r.WeeklyUsage) {
		n = len(r.WeeklyUsage)
	}
	out := make([]UsageEvent, n)
	copy(out, r.WeeklyUsage[len(r.WeeklyUsage)-n:])
	return out
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.WeeklyUsage = make([]UsageEvent, len(r.WeeklyUsage))
	copy(c.WeeklyUsage, r.WeeklyUsage)
	return &c
}

// Normalize fills the fields a decoded record may be missing from fallback,
// which is normally the locally seeded zero-usage record.
func (r *Record) Normalize(fallback *Record) {
	if r.VisitorID == "" {
		r.VisitorID = fallback.VisitorID
	}
	if r.WeeklyUsage == nil {
		r.WeeklyUsage = []UsageEvent{}
	}
	if r.FirstVisit.IsZero() {
		r.FirstVisit = fallback.FirstVisit
	}
	if r.LastVisit.IsZero() {
		r.LastVisit = fallback.LastVisit
	}
	if r.TotalRuns < len(r.WeeklyUsage) {
		r.TotalRuns = len(r.WeeklyUsage)
	}
}
