package models

import "time"

// EntitlementRecord is a credit balance for one identity. For registered
// users the canonical copy is remote and this type is also used for the
// local display mirror; for guests the local record is canonical.
type EntitlementRecord struct {
	Identity       Identity   `json:"identity"`
	CreditsCurrent int64      `json:"creditsCurrent"`
	CreditsMax     int64      `json:"creditsMax"`
	PlanID         string     `json:"planId,omitempty"`
	PeriodEnd      *time.Time `json:"periodEnd,omitempty"`
	// Version increases with every canonical change.
	Version   int64     `json:"version"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// GrantMode selects how a grant changes the balance.
type GrantMode string

const (
	// GrantPack adds the delta to the current balance.
	GrantPack GrantMode = "pack"
	// GrantPeriod starts a plan period: the balance becomes
	// max(current+delta, delta).
	GrantPeriod GrantMode = "period"
)

// Grant is one credit grant keyed by a stable transaction id.
type Grant struct {
	TransactionID string
	CreditDelta   int64
	NewMax        int64
	Mode          GrantMode
	PlanID        string
	PeriodEnd     *time.Time
	// Covers lists transaction ids that this grant already accounts for.
	// They are recorded as granted without changing the balance.
	Covers []string
}

// GrantResult is the balance after a grant. Duplicate is set when the
// transaction had been granted before and nothing changed.
type GrantResult struct {
	Record    EntitlementRecord
	Duplicate bool
}

// Apply computes the balance after g on top of r. It does not check
// idempotency.
func (r EntitlementRecord) Apply(g Grant) EntitlementRecord {
	next := r
	switch g.Mode {
	case GrantPeriod:
		next.CreditsCurrent = max(r.CreditsCurrent+g.CreditDelta, g.CreditDelta)
	default:
		next.CreditsCurrent = r.CreditsCurrent + g.CreditDelta
	}
	if next.CreditsCurrent < 0 {
		next.CreditsCurrent = 0
	}
	next.CreditsMax = max(r.CreditsMax, g.NewMax)
	if g.PlanID != "" {
		next.PlanID = g.PlanID
	}
	if g.PeriodEnd != nil {
		end := *g.PeriodEnd
		next.PeriodEnd = &end
	}
	next.Version = r.Version + 1
	return next
}

// Artifact is a piece of user-generated content. Artifacts are addressed
// by the SHA-256 of their content.
type Artifact struct {
	Name        string    `json:"name"`
	ContentHash string    `json:"contentHash"`
	Size        int64     `json:"size"`
	Content     []byte    `json:"content,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GuestState is everything a guest accrued, as handed to the account it
// migrates into.
type GuestState struct {
	GuestID    string
	Credits    int64
	CreditsMax int64
	PlanID     string
	PeriodEnd  *time.Time
	// Granted are the transaction ids already credited to the guest.
	Granted   []string
	Artifacts []Artifact
}
