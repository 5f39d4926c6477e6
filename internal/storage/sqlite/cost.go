package sqlite

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/storage"
)

const dateLayout = "2006-01-02"

// today returns the current UTC calendar date.
func today() string {
	return time.Now().UTC().Format(dateLayout)
}

// windowStart returns the first date of a trailing days-day window that
// ends today. ISO dates compare lexicographically, so callers filter with
// date >= windowStart.
func windowStart(days int) string {
	if days < 1 {
		days = 1
	}
	return time.Now().UTC().AddDate(0, 0, -(days - 1)).Format(dateLayout)
}

// Add debits delta dollars against (email, today). The upsert composes
// concurrent deltas atomically: the write pool holds a single connection,
// and the conflict clause adds rather than replaces.
func (s *Store) Add(ctx context.Context, email string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("add: negative delta %v", delta)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cost (email, date, cost) VALUES (?, ?, ?)
		 ON CONFLICT(email, date) DO UPDATE SET cost = cost + excluded.cost`,
		email, today(), delta,
	)
	return err
}

// SetCost unconditionally overwrites the value for (email, date).
func (s *Store) SetCost(ctx context.Context, email, date string, value float64) error {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("setcost: invalid date %q: %w", date, err)
	}
	if value < 0 {
		return fmt.Errorf("setcost: negative cost %v", value)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cost (email, date, cost) VALUES (?, ?, ?)
		 ON CONFLICT(email, date) DO UPDATE SET cost = excluded.cost`,
		email, date, value,
	)
	return err
}

// Sum returns the email's total cost over the trailing days-day window.
func (s *Store) Sum(ctx context.Context, email string, days int) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM cost WHERE email = ? AND date >= ?`,
		email, windowStart(days),
	).Scan(&total)
	return total, err
}

// Usage returns the email's per-day rows in the window, ascending by date.
func (s *Store) Usage(ctx context.Context, email string, days int) (*storage.UsageReport, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT email, date, cost FROM cost WHERE email = ? AND date >= ? ORDER BY date ASC`,
		email, windowStart(days),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &storage.UsageReport{Email: email, Days: days, Usage: []gateway.CostEntry{}}
	for rows.Next() {
		var e gateway.CostEntry
		if err := rows.Scan(&e.Email, &e.Date, &e.Cost); err != nil {
			return nil, err
		}
		report.Usage = append(report.Usage, e)
		report.Cost += e.Cost
	}
	return report, rows.Err()
}

// AllUsage returns every ledger row, ordered for stable admin listings.
func (s *Store) AllUsage(ctx context.Context) ([]gateway.CostEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT email, date, cost FROM cost ORDER BY email ASC, date ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CostEntry
	for rows.Next() {
		var e gateway.CostEntry
		if err := rows.Scan(&e.Email, &e.Date, &e.Cost); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
