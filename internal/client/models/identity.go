// Package models holds the client-side identity, entitlement and purchase
// records shared by the cache, ledger and reconciler.
package models

import (
	"strings"
	"time"
)

// IdentityKind tells a registered account from an anonymous guest.
type IdentityKind string

const (
	IdentityRegistered IdentityKind = "registered"
	IdentityGuest      IdentityKind = "guest"
)

// Identity is either a registered account or a guest. The zero value means
// "nobody".
type Identity struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

func Registered(userID string) Identity { return Identity{Kind: IdentityRegistered, ID: userID} }
func Guest(guestID string) Identity     { return Identity{Kind: IdentityGuest, ID: guestID} }

func (i Identity) IsZero() bool  { return i.ID == "" }
func (i Identity) IsGuest() bool { return i.Kind == IdentityGuest && i.ID != "" }

// String renders "user:<id>" or "guest:<id>", or "" for the zero value.
// It is used as a cache key component.
func (i Identity) String() string {
	switch {
	case i.IsZero():
		return ""
	case i.Kind == IdentityGuest:
		return "guest:" + i.ID
	default:
		return "user:" + i.ID
	}
}

// ParseIdentity is the inverse of Identity.String.
func ParseIdentity(s string) (Identity, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Identity{}, false
	}
	switch kind {
	case "user":
		return Registered(id), true
	case "guest":
		return Guest(id), true
	}
	return Identity{}, false
}

// SessionRecord is the cached result of the last remote session check.
// OnboardingCompleted is persisted under its own key so that clearing the
// session does not touch it.
type SessionRecord struct {
	Identity            Identity  `json:"identity"`
	Authenticated       bool      `json:"authenticated"`
	OnboardingCompleted bool      `json:"-"`
	LastVerifiedAt      time.Time `json:"lastVerifiedAt"`
}

// DecisionSource names the tier an AuthDecision came from.
type DecisionSource string

const (
	SourceRemote   DecisionSource = "remote"
	SourceCache    DecisionSource = "cache"
	SourceFallback DecisionSource = "fallback"
)

// AuthDecision is the outcome of one resolution cycle. It is never
// persisted.
type AuthDecision struct {
	IsAuthenticated bool
	Identity        Identity
	IsGuest         bool
	Source          DecisionSource
}

// Unauthenticated reports whether the caller has to go through onboarding.
func (d AuthDecision) Unauthenticated() bool { return !d.IsAuthenticated }
