package config

import (
	gateway "github.com/aipipe/aipipe/internal"
)

// Budget is the daily-spend policy map. Keys are an exact email, an
// "@domain" suffix, or "*" for everyone. Lookup order is exact, then
// domain, then "*"; an email matched by none of these gets {0, 1} and is
// therefore blocked.
//
// This file is an operational lever: edit and redeploy to change limits.
var Budget = map[string]gateway.BudgetPolicy{
	"*": {Limit: 0.1, Days: 7},
}
