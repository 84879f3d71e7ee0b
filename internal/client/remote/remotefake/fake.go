// Package remotefake is an in-memory remote.Client with the same grant and
// spend semantics as the profile service, plus knobs for injecting
// failures. It is meant for tests.
package remotefake

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
)

type user struct {
	id       string
	salt     []byte
	verifier []byte
}

// Fake implements remote.Client.
type Fake struct {
	mu        sync.Mutex
	seq       int
	users     map[string]*user
	profiles  map[string]*remote.Profile
	grants    map[string]map[string]bool
	artifacts map[string]map[string]models.Artifact
	session   *remote.Session
	calls     map[string]int

	sessionErr  error
	profileErr  error
	hang        chan struct{}
	beforeGrant func(userID string, g models.Grant) error
}

var _ remote.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		users:     make(map[string]*user),
		profiles:  make(map[string]*remote.Profile),
		grants:    make(map[string]map[string]bool),
		artifacts: make(map[string]map[string]models.Artifact),
		calls:     make(map[string]int),
	}
}

// SetSession makes GetSession report userID; "" clears it.
func (f *Fake) SetSession(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "" {
		f.session = nil
		return
	}
	f.session = &remote.Session{UserID: userID}
}

// SeedProfile stores p as the canonical row of p.UserID.
func (f *Fake) SeedProfile(p remote.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.profiles[p.UserID] = &cp
}

// FailSession makes GetSession return err until cleared with nil.
func (f *Fake) FailSession(err error) {
	f.mu.Lock()
	f.sessionErr = err
	f.mu.Unlock()
}

// FailProfile makes GetProfile return err until cleared with nil.
func (f *Fake) FailProfile(err error) {
	f.mu.Lock()
	f.profileErr = err
	f.mu.Unlock()
}

// Hang(true) makes session and profile reads block until their context
// ends or Hang(false) releases them.
func (f *Fake) Hang(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case on && f.hang == nil:
		f.hang = make(chan struct{})
	case !on && f.hang != nil:
		close(f.hang)
		f.hang = nil
	}
}

// BeforeGrant installs a hook run at the start of every ApplyGrant. A
// non-nil error from it fails the call.
func (f *Fake) BeforeGrant(hook func(userID string, g models.Grant) error) {
	f.mu.Lock()
	f.beforeGrant = hook
	f.mu.Unlock()
}

// Profile returns a copy of the canonical row.
func (f *Fake) Profile(userID string) (remote.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return remote.Profile{}, false
	}
	return *p, true
}

// Granted reports whether txID is recorded for userID.
func (f *Fake) Granted(userID, txID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[userID][txID]
}

// Artifacts returns the stored artifact hashes of userID.
func (f *Fake) Artifacts(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for h := range f.artifacts[userID] {
		out = append(out, h)
	}
	return out
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang == nil {
		return nil
	}
	select {
	case <-hang:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", remote.ErrTransient, ctx.Err())
	}
}

func (f *Fake) Close() error { return nil }

func (f *Fake) Ping(ctx context.Context) error {
	f.enter("Ping")
	return f.wait(ctx)
}

func (f *Fake) Register(ctx context.Context, username string, salt, verifier []byte) (string, error) {
	f.enter("Register")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[username]; ok {
		return "", remote.ErrAlreadyExists
	}
	f.seq++
	id := fmt.Sprintf("user-%d", f.seq)
	f.users[username] = &user{id: id, salt: salt, verifier: verifier}
	f.profiles[id] = &remote.Profile{UserID: id}
	return id, nil
}

func (f *Fake) GetSalt(ctx context.Context, username string) ([]byte, error) {
	f.enter("GetSalt")
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return u.salt, nil
}

func (f *Fake) Login(ctx context.Context, username string, verifier []byte) (string, error) {
	f.enter("Login")
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok || !bytes.Equal(u.verifier, verifier) {
		return "", remote.ErrInvalidSession
	}
	f.session = &remote.Session{UserID: u.id, Username: username}
	return u.id, nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.enter("Logout")
	f.SetSession("")
	return nil
}

func (f *Fake) GetSession(ctx context.Context) (*remote.Session, error) {
	f.enter("GetSession")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if f.session == nil {
		return nil, nil
	}
	s := *f.session
	return &s, nil
}

func (f *Fake) GetProfile(ctx context.Context, userID string) (*remote.Profile, error) {
	f.enter("GetProfile")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) UpdateProfile(ctx context.Context, userID string, patch remote.ProfilePatch) error {
	f.enter("UpdateProfile")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return remote.ErrNotFound
	}
	if patch.OnboardingCompleted != nil {
		v := *patch.OnboardingCompleted
		p.OnboardingCompleted = &v
		p.Version++
	}
	return nil
}

func (f *Fake) ApplyGrant(ctx context.Context, userID string, g models.Grant) (*remote.Profile, bool, error) {
	f.enter("ApplyGrant")
	f.mu.Lock()
	hook := f.beforeGrant
	f.mu.Unlock()
	if hook != nil {
		if err := hook(userID, g); err != nil {
			return nil, false, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, false, remote.ErrNotFound
	}
	if f.grants[userID] == nil {
		f.grants[userID] = make(map[string]bool)
	}
	if f.grants[userID][g.TransactionID] {
		cp := *p
		return &cp, true, nil
	}

	next := p.Entitlement(time.Time{}).Apply(g)
	p.CreditsCurrent = next.CreditsCurrent
	p.CreditsMax = next.CreditsMax
	p.PlanID = next.PlanID
	p.PeriodEnd = next.PeriodEnd
	p.Version = next.Version

	f.grants[userID][g.TransactionID] = true
	for _, id := range g.Covers {
		f.grants[userID][id] = true
	}
	cp := *p
	return &cp, false, nil
}

func (f *Fake) ConsumeCredits(ctx context.Context, userID string, amount int64) (*remote.Profile, error) {
	f.enter("ConsumeCredits")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	if p.CreditsCurrent < amount {
		return nil, remote.ErrInsufficientCredits
	}
	p.CreditsCurrent -= amount
	p.Version++
	cp := *p
	return &cp, nil
}

func (f *Fake) SaveArtifact(ctx context.Context, userID string, a models.Artifact) error {
	f.enter("SaveArtifact")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[userID]; !ok {
		return remote.ErrNotFound
	}
	if f.artifacts[userID] == nil {
		f.artifacts[userID] = make(map[string]models.Artifact)
	}
	f.artifacts[userID][a.ContentHash] = a
	return nil
}

func (f *Fake) DeleteAccount(ctx context.Context, userID string) error {
	f.enter("DeleteAccount")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[userID]; !ok {
		return remote.ErrNotFound
	}
	delete(f.profiles, userID)
	delete(f.grants, userID)
	delete(f.artifacts, userID)
	for name, u := range f.users {
		if u.id == userID {
			delete(f.users, name)
		}
	}
	if f.session != nil && f.session.UserID == userID {
		f.session = nil
	}
	return nil
}
