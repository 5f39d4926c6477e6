// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/aipipe/aipipe/internal"
)

// UsageReport is the shaped response of a per-email usage query.
type UsageReport struct {
	Email string              `json:"email"`
	Days  int                 `json:"days"`
	Cost  float64             `json:"cost"`
	Usage []gateway.CostEntry `json:"usage"`
}

// Ledger is the per-(email, UTC date) cumulative-cost store. All writes go
// through a single writer; reads may run concurrently.
type Ledger interface {
	// Add debits delta dollars against today's UTC date. delta must be
	// non-negative; the row is created lazily on first add.
	Add(ctx context.Context, email string, delta float64) error
	// SetCost unconditionally overwrites the value for (email, date).
	SetCost(ctx context.Context, email, date string, value float64) error
	// Sum returns the total cost over the trailing days-day window,
	// inclusive of today (UTC calendar days).
	Sum(ctx context.Context, email string, days int) (float64, error)
	// Usage returns the per-day rows of the window, ascending by date,
	// together with the window total.
	Usage(ctx context.Context, email string, days int) (*UsageReport, error)
	// AllUsage returns every ledger row.
	AllUsage(ctx context.Context) ([]gateway.CostEntry, error)
}
