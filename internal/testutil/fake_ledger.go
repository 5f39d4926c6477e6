package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/storage"
)

const dateLayout = "2006-01-02"

// FakeLedger is an in-memory storage.Ledger for testing.
type FakeLedger struct {
	mu   sync.RWMutex
	rows map[string]map[string]float64 // email -> date -> cost
}

var _ storage.Ledger = (*FakeLedger)(nil)

// NewFakeLedger returns an empty FakeLedger.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{rows: make(map[string]map[string]float64)}
}

// Seed sets the cost for (email, date) directly.
func (l *FakeLedger) Seed(email, date string, cost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows[email] == nil {
		l.rows[email] = make(map[string]float64)
	}
	l.rows[email][date] = cost
}

// Add debits delta against today's UTC date.
func (l *FakeLedger) Add(_ context.Context, email string, delta float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows[email] == nil {
		l.rows[email] = make(map[string]float64)
	}
	l.rows[email][time.Now().UTC().Format(dateLayout)] += delta
	return nil
}

// SetCost overwrites the value for (email, date).
func (l *FakeLedger) SetCost(_ context.Context, email, date string, value float64) error {
	l.Seed(email, date, value)
	return nil
}

// Sum totals the trailing days-day window inclusive of today.
func (l *FakeLedger) Sum(_ context.Context, email string, days int) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := windowStart(days)
	var sum float64
	for date, cost := range l.rows[email] {
		if date >= cutoff {
			sum += cost
		}
	}
	return sum, nil
}

// Usage returns the windowed per-day rows ascending by date.
func (l *FakeLedger) Usage(_ context.Context, email string, days int) (*storage.UsageReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := windowStart(days)
	report := &storage.UsageReport{Email: email, Days: days}
	for date, cost := range l.rows[email] {
		if date >= cutoff {
			report.Usage = append(report.Usage, gateway.CostEntry{Email: email, Date: date, Cost: cost})
			report.Cost += cost
		}
	}
	sort.Slice(report.Usage, func(i, j int) bool {
		return report.Usage[i].Date < report.Usage[j].Date
	})
	return report, nil
}

// AllUsage returns every row ordered by email then date.
func (l *FakeLedger) AllUsage(context.Context) ([]gateway.CostEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []gateway.CostEntry
	for email, byDate := range l.rows {
		for date, cost := range byDate {
			out = append(out, gateway.CostEntry{Email: email, Date: date, Cost: cost})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Email != out[j].Email {
			return out[i].Email < out[j].Email
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func windowStart(days int) string {
	if days < 1 {
		days = 1
	}
	return time.Now().UTC().AddDate(0, 0, -(days - 1)).Format(dateLayout)
}
