// Package store defines the persistence gateway for visitor records and the
// server-side operations built on it.
package store

import (
	"context"
	"errors"
	"time"

	"roamii/internal/quota"
	"roamii/internal/visitor"
)

var (
	// ErrNotFound reports that no record exists for a visitor id.
	ErrNotFound = errors.New("visitor not found")
	// ErrMalformed reports a stored record that could not be decoded.
	ErrMalformed = errors.New("malformed visitor record")
	// ErrConflict reports that a conditional write lost to a concurrent
	// writer too many times.
	ErrConflict = errors.New("concurrent update conflict")
)

// SaveResult describes a completed save.
type SaveResult struct {
	IsNewVisitor bool
}

// Gateway loads and saves whole visitor records. Saving a record for an
// unknown visitor creates it.
type Gateway interface {
	Load(ctx context.Context, visitorID string) (*visitor.Record, error)
	Save(ctx context.Context, rec *visitor.Record) (SaveResult, error)
}

// Store is a Gateway owned by the server, with the operations that need
// to see every record or must not race.
type Store interface {
	Gateway
	// Consume atomically checks the policy for visitorID at now and, if a
	// run is left, appends a usage event and persists the record. It
	// returns *quota.ExceededError without writing when the cap is reached.
	Consume(ctx context.Context, visitorID string, now time.Time, policy quota.Policy) (*visitor.Record, quota.Status, error)
	// Visitors returns a snapshot of every stored record.
	Visitors(ctx context.Context) ([]*visitor.Record, error)
	// Prune drops usage events at or before cutoff from every record and
	// returns how many events were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	// UsageStats returns the global usage counter; zero if never saved.
	UsageStats(ctx context.Context) (UsageStats, error)
	SaveUsageStats(ctx context.Context, stats UsageStats) error
	Close() error
}

// UsageStats is the site-wide usage counter reported by client pages. It is
// informational and plays no part in quota decisions.
type UsageStats struct {
	UsageCount int `json:"usageCount"`
	// LastUpdated is nil until the counter is first saved.
	LastUpdated *time.Time `json:"lastUpdated"`
}

// Metadata is the registry-wide aggregate kept by backends that maintain one.
type Metadata struct {
	Created       time.Time `json:"created"`
	LastUpdated   time.Time `json:"lastUpdated"`
	TotalVisitors int       `json:"totalVisitors"`
	TotalRuns     int       `json:"totalRuns"`
}

// MetadataReader is implemented by stores that maintain Metadata.
type MetadataReader interface {
	Metadata(ctx context.Context) (Metadata, error)
}
