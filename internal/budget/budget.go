// Package budget resolves daily-spend policies and admits requests
// against the cost ledger.
package budget

import (
	"context"
	"fmt"
	"strings"

	gateway "github.com/aipipe/aipipe/internal"
)

// denyAll is the implicit policy for emails no rule matches.
var denyAll = gateway.BudgetPolicy{Limit: 0, Days: 1}

// Summer provides the window sum used for admission.
type Summer interface {
	Sum(ctx context.Context, email string, days int) (float64, error)
}

// Resolver looks up the spend policy for an email: exact match, then
// "@domain", then "*", then the implicit {0, 1} which always blocks.
type Resolver struct {
	policies map[string]gateway.BudgetPolicy
}

// NewResolver creates a Resolver over the given policy map.
func NewResolver(policies map[string]gateway.BudgetPolicy) *Resolver {
	return &Resolver{policies: policies}
}

// Lookup returns the effective policy for email.
func (r *Resolver) Lookup(email string) gateway.BudgetPolicy {
	if p, ok := r.policies[email]; ok {
		return p
	}
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		if p, ok := r.policies[email[at:]]; ok {
			return p
		}
	}
	if p, ok := r.policies["*"]; ok {
		return p
	}
	return denyAll
}

// Admit checks the email's window spend against its policy. A nil error
// means the request may proceed; ErrBudgetExceeded carries the
// "Usage $x / $y in n days" message surfaced to the client. The sum is a
// snapshot at admit time; concurrent in-flight requests may overshoot.
func (r *Resolver) Admit(ctx context.Context, ledger Summer, email string) error {
	p := r.Lookup(email)
	sum, err := ledger.Sum(ctx, email, p.Days)
	if err != nil {
		return fmt.Errorf("budget sum: %w", err)
	}
	if sum >= p.Limit {
		return fmt.Errorf("%w: Usage $%g / $%g in %d days",
			gateway.ErrBudgetExceeded, sum, p.Limit, p.Days)
	}
	return nil
}
