// Package remote is the client side of the canonical profile service.
// Every error it returns wraps one of the package sentinels; use Classify
// to branch on them.
package remote

import (
	"context"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
)

// Session is the server's view of the caller's session.
type Session struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Profile is the canonical profile row of a registered user.
type Profile struct {
	UserID string
	// OnboardingCompleted is nil until the client first reports it.
	OnboardingCompleted *bool
	CreditsCurrent      int64
	CreditsMax          int64
	PlanID              string
	PeriodEnd           *time.Time
	Version             int64
}

// Entitlement converts p into an EntitlementRecord stamped with now.
func (p Profile) Entitlement(now time.Time) models.EntitlementRecord {
	return models.EntitlementRecord{
		Identity:       models.Registered(p.UserID),
		CreditsCurrent: p.CreditsCurrent,
		CreditsMax:     p.CreditsMax,
		PlanID:         p.PlanID,
		PeriodEnd:      p.PeriodEnd,
		Version:        p.Version,
		FetchedAt:      now,
	}
}

// ProfilePatch lists the fields UpdateProfile may change.
type ProfilePatch struct {
	OnboardingCompleted *bool
}

// Client talks to the profile service.
type Client interface {
	Close() error
	Ping(ctx context.Context) error

	Register(ctx context.Context, username string, salt, verifier []byte) (string, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	// Login stores the issued tokens and returns the user id.
	Login(ctx context.Context, username string, verifier []byte) (string, error)
	// Logout revokes the refresh token and forgets both tokens.
	Logout(ctx context.Context) error

	// GetSession returns nil, nil when no session is held.
	GetSession(ctx context.Context) (*Session, error)
	// GetProfile returns nil, nil when the account has no profile row.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) error

	// ApplyGrant credits the profile unless the transaction was already
	// granted, in which case duplicate is true and nothing changes.
	ApplyGrant(ctx context.Context, userID string, g models.Grant) (p *Profile, duplicate bool, err error)
	ConsumeCredits(ctx context.Context, userID string, amount int64) (*Profile, error)
	SaveArtifact(ctx context.Context, userID string, a models.Artifact) error
	DeleteAccount(ctx context.Context, userID string) error
}
