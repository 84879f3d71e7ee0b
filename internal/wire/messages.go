package wire

import "time"

// Grant modes.
const (
	GrantModePack   = "pack"
	GrantModePeriod = "period"
)

// PingStatusOK is the only healthy Ping status.
const PingStatusOK = "OK"

type Empty struct{}

type PingResponse struct {
	Status string `json:"status"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type RegisterResponse struct {
	UserID string `json:"userId"`
}

type GetSaltRequest struct {
	Username string `json:"username"`
}

type GetSaltResponse struct {
	Salt []byte `json:"salt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Verifier []byte `json:"verifier"`
}

type LoginResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Session is the caller's authenticated session as seen by the server.
type Session struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GetSessionResponse carries a nil Session when the call had no token.
type GetSessionResponse struct {
	Session *Session `json:"session,omitempty"`
}

// Profile is the canonical profile row. OnboardingCompleted is nil until
// the client reports it for the first time.
type Profile struct {
	UserID              string     `json:"userId"`
	OnboardingCompleted *bool      `json:"onboardingCompleted,omitempty"`
	CreditsCurrent      int64      `json:"creditsCurrent,string"`
	CreditsMax          int64      `json:"creditsMax,string"`
	PlanID              string     `json:"planId,omitempty"`
	PeriodEnd           *time.Time `json:"periodEnd,omitempty"`
	Version             int64      `json:"version,string"`
}

type GetProfileRequest struct {
	UserID string `json:"userId"`
}

// GetProfileResponse carries a nil Profile when the account has no
// profile row.
type GetProfileResponse struct {
	Profile *Profile `json:"profile,omitempty"`
}

type UpdateProfileRequest struct {
	UserID              string `json:"userId"`
	OnboardingCompleted *bool  `json:"onboardingCompleted,omitempty"`
}

type ApplyGrantRequest struct {
	UserID        string     `json:"userId"`
	TransactionID string     `json:"transactionId"`
	CreditDelta   int64      `json:"creditDelta,string"`
	NewMax        int64      `json:"newMax,string"`
	Mode          string     `json:"mode"`
	PlanID        string     `json:"planId,omitempty"`
	PeriodEnd     *time.Time `json:"periodEnd,omitempty"`
	Covers        []string   `json:"covers,omitempty"`
}

type ApplyGrantResponse struct {
	Profile   Profile `json:"profile"`
	Duplicate bool    `json:"duplicate"`
}

type ConsumeCreditsRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount,string"`
}

type ConsumeCreditsResponse struct {
	Profile Profile `json:"profile"`
}

type SaveArtifactRequest struct {
	UserID      string `json:"userId"`
	ContentHash string `json:"contentHash"`
	Name        string `json:"name"`
	Size        int64  `json:"size,string"`
}

// SaveArtifactResponse has an empty UploadURL when the content is
// already stored for the user.
type SaveArtifactResponse struct {
	UploadURL     string `json:"uploadUrl,omitempty"`
	AlreadyStored bool   `json:"alreadyStored"`
}

type ConfirmArtifactRequest struct {
	UserID      string `json:"userId"`
	ContentHash string `json:"contentHash"`
}

type DeleteAccountRequest struct {
	UserID string `json:"userId"`
}
