package store

import (
	"context"
	"sort"
	"time"

	"roamii/internal/quota"
)

// VisitorSummary is one row of the aggregate stats.
type VisitorSummary struct {
	VisitorID  string    `json:"visitorId"`
	TotalRuns  int       `json:"totalRuns"`
	WeeklyRuns int       `json:"weeklyRuns"`
	FirstVisit time.Time `json:"firstVisit"`
	LastVisit  time.Time `json:"lastVisit"`
}

// Summary is the aggregate view across all visitors.
type Summary struct {
	TotalVisitors  int              `json:"totalVisitors"`
	TotalRuns      int              `json:"totalRuns"`
	ActiveThisWeek int              `json:"activeThisWeek"`
	RunsThisWeek   int              `json:"runsThisWeek"`
	Visitors       []VisitorSummary `json:"visitors"`
}

// Summarize builds the aggregate stats for st at now. Totals come from the
// store's Metadata when it keeps one, otherwise they are counted.
func Summarize(ctx context.Context, st Store, policy quota.Policy, now time.Time) (Summary, error) {
	records, err := st.Visitors(ctx)
	if err != nil {
		return Summary{}, err
	}
	weekStart := policy.WeekStart(now)

	sum := Summary{Visitors: make([]VisitorSummary, 0, len(records))}
	for _, rec := range records {
		weekly := rec.CountSince(weekStart)
		if weekly > 0 {
			sum.ActiveThisWeek++
			sum.RunsThisWeek += weekly
		}
		sum.TotalRuns += rec.TotalRuns
		sum.Visitors = append(sum.Visitors, VisitorSummary{
			VisitorID:  rec.VisitorID,
			TotalRuns:  rec.TotalRuns,
			WeeklyRuns: weekly,
			FirstVisit: rec.FirstVisit,
			LastVisit:  rec.LastVisit,
		})
	}
	sum.TotalVisitors = len(records)
	sort.Slice(sum.Visitors, func(i, j int) bool {
		return sum.Visitors[i].LastVisit.After(sum.Visitors[j].LastVisit)
	})

	if mr, ok := st.(MetadataReader); ok {
		meta, err := mr.Metadata(ctx)
		if err != nil {
			return Summary{}, err
		}
		sum.TotalVisitors = meta.TotalVisitors
		sum.TotalRuns = meta.TotalRuns
	}
	return sum, nil
}
