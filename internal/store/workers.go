package store

import (
	"context"
	"log"
	"time"

	"github.com/coder/quartz"

	"roamii/internal/quota"
)

// DefaultRetention is how long usage events are kept in a record's ledger.
const DefaultRetention = 7 * 24 * time.Hour

// PruneExpired performs a single retention pass, removing usage events
// older than window from every record. Events of the current week under
// policy are kept whatever the window.
func PruneExpired(ctx context.Context, st Store, policy quota.Policy, now time.Time, window time.Duration) (int, error) {
	return st.Prune(ctx, policy.PruneCutoff(now, window))
}

// StartRetentionWorker runs the retention pass once at startup and then
// once per day until ctx is done.
func StartRetentionWorker(ctx context.Context, st Store, policy quota.Policy, clock quartz.Clock, window time.Duration) {
	run := func() error {
		n, err := PruneExpired(ctx, st, policy, clock.Now(), window)
		if err != nil {
			log.Printf("retention cleanup error: %v", err)
			return nil
		}
		if n > 0 {
			log.Printf("retention cleanup removed %d usage events", n)
		}
		return nil
	}
	go func() {
		_ = run()
		_ = clock.TickerFunc(ctx, 24*time.Hour, run, "retention").Wait()
	}()
}

// StartAggregationWorker recomputes the visitor summary at startup and then
// every interval, handing each result to publish.
func StartAggregationWorker(ctx context.Context, st Store, policy quota.Policy, clock quartz.Clock, interval time.Duration, publish func(Summary)) {
	run := func() error {
		sum, err := Summarize(ctx, st, policy, clock.Now())
		if err != nil {
			log.Printf("aggregation error: %v", err)
			return nil
		}
		publish(sum)
		return nil
	}
	go func() {
		_ = run()
		_ = clock.TickerFunc(ctx, interval, run, "aggregation").Wait()
	}()
}
