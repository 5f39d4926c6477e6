package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	gateway "github.com/aipipe/aipipe/internal"
)

type fakeSummer struct {
	sum  float64
	days int
}

func (f *fakeSummer) Sum(_ context.Context, _ string, days int) (float64, error) {
	f.days = days
	return f.sum, nil
}

func TestLookupFallback(t *testing.T) {
	t.Parallel()
	r := NewResolver(map[string]gateway.BudgetPolicy{
		"vip@example.com": {Limit: 10, Days: 30},
		"@example.com":    {Limit: 1, Days: 7},
		"*":               {Limit: 0.1, Days: 7},
	})

	tests := []struct {
		email string
		want  gateway.BudgetPolicy
	}{
		{"vip@example.com", gateway.BudgetPolicy{Limit: 10, Days: 30}},
		{"other@example.com", gateway.BudgetPolicy{Limit: 1, Days: 7}},
		{"someone@else.org", gateway.BudgetPolicy{Limit: 0.1, Days: 7}},
	}
	for _, tt := range tests {
		if got := r.Lookup(tt.email); got != tt.want {
			t.Errorf("Lookup(%q) = %+v, want %+v", tt.email, got, tt.want)
		}
	}
}

func TestLookupImplicitDeny(t *testing.T) {
	t.Parallel()
	r := NewResolver(map[string]gateway.BudgetPolicy{
		"@example.com": {Limit: 1, Days: 7},
	})
	got := r.Lookup("nobody@else.org")
	if got.Limit != 0 || got.Days != 1 {
		t.Errorf("implicit policy = %+v, want {0 1}", got)
	}
}

func TestAdmitWithinBudget(t *testing.T) {
	t.Parallel()
	r := NewResolver(map[string]gateway.BudgetPolicy{"*": {Limit: 1, Days: 7}})
	ledger := &fakeSummer{sum: 0.5}

	if err := r.Admit(context.Background(), ledger, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if ledger.days != 7 {
		t.Errorf("queried days = %d, want 7", ledger.days)
	}
}

func TestAdmitOverBudget(t *testing.T) {
	t.Parallel()
	r := NewResolver(map[string]gateway.BudgetPolicy{"*": {Limit: 1, Days: 7}})
	err := r.Admit(context.Background(), &fakeSummer{sum: 1.5}, "a@example.com")
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if !strings.Contains(err.Error(), "Usage $1.5 / $1 in 7 days") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestZeroLimitAlwaysBlocks(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil) // no rules at all: implicit {0, 1}
	err := r.Admit(context.Background(), &fakeSummer{sum: 0}, "a@example.com")
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded even at zero spend", err)
	}
}
