package models

import "time"

// RefreshToken is a server-stored, single-use token exchanged for a new
// access token.
type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	Expires   time.Time
	CreatedAt time.Time
}

// Expired reports whether the token can no longer be exchanged at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}
