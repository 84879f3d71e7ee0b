package models

import "time"

// Grant modes accepted by ApplyGrant.
const (
	GrantModePack   = "pack"
	GrantModePeriod = "period"
)

// Profile is the canonical credit state of one account.
type Profile struct {
	UserID              string
	OnboardingCompleted *bool
	CreditsCurrent      int64
	CreditsMax          int64
	PlanID              string
	PeriodEnd           *time.Time
	Version             int64
	UpdatedAt           time.Time
}

// Grant is a credit grant keyed by the store transaction id.
type Grant struct {
	UserID        string
	TransactionID string
	CreditDelta   int64
	NewMax        int64
	Mode          string
	PlanID        string
	PeriodEnd     *time.Time
	Covers        []string
}

// Apply returns the profile after g. A period grant resets the balance to
// at least the plan allowance, a pack adds to it. Balances never go
// negative and the maximum never shrinks.
func (p Profile) Apply(g Grant) Profile {
	next := p
	if g.Mode == GrantModePeriod {
		next.CreditsCurrent = max(p.CreditsCurrent+g.CreditDelta, g.CreditDelta)
	} else {
		next.CreditsCurrent = p.CreditsCurrent + g.CreditDelta
	}
	next.CreditsCurrent = max(next.CreditsCurrent, 0)
	next.CreditsMax = max(p.CreditsMax, g.NewMax)
	if g.PlanID != "" {
		next.PlanID = g.PlanID
	}
	if g.PeriodEnd != nil {
		end := *g.PeriodEnd
		next.PeriodEnd = &end
	}
	next.Version = p.Version + 1
	return next
}
