// Package session turns the remote session, the cached session record, the
// onboarding flag and the guest identity into one AuthDecision.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/dmitrijs2005/creditkeeper/internal/timex"
	"golang.org/x/sync/errgroup"
)

// ErrResolutionTimeout is returned only when the remote check, the cache
// and the guest store all failed.
var ErrResolutionTimeout = errors.New("session resolution timed out")

var errNoGuestSource = errors.New("no guest source")

// Guests is the read side of the guest manager.
type Guests interface {
	Current(ctx context.Context) (models.Identity, bool, error)
}

// Options tune a Resolver. Zero values take the defaults below.
type Options struct {
	// RemoteTimeout bounds the remote session+profile check.
	RemoteTimeout time.Duration
	// CacheTimeout bounds the local reads.
	CacheTimeout time.Duration
	// MaxCacheAge limits how old a cached authenticated record may be to
	// be trusted when the remote is unreachable. Zero means no limit.
	MaxCacheAge time.Duration
	// PollInterval and PollDeadline drive AwaitSession.
	PollInterval time.Duration
	PollDeadline time.Duration
}

const (
	DefaultRemoteTimeout = 6 * time.Second
	DefaultCacheTimeout  = 2 * time.Second
	DefaultMaxCacheAge   = 72 * time.Hour
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultPollDeadline  = 2 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = DefaultRemoteTimeout
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = DefaultCacheTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollDeadline <= 0 {
		o.PollDeadline = DefaultPollDeadline
	}
	return o
}

type Resolver struct {
	store  cache.Store
	remote remote.Client
	guests Guests
	logger logging.Logger
	opts   Options
	now    func() time.Time

	bg sync.WaitGroup

	// mu serializes session writes. gen is bumped by sign-out and cleanup;
	// a remote check started under an older gen does not write.
	mu  sync.Mutex
	gen uint64
}

func NewResolver(store cache.Store, rc remote.Client, guests Guests, l logging.Logger, opts Options) *Resolver {
	if l == nil {
		l = logging.Nop()
	}
	return &Resolver{
		store:  store,
		remote: rc,
		guests: guests,
		logger: l.With("module", "session"),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

type outcome int

const (
	outcomeVerified outcome = iota
	outcomeNoSession
	outcomeNoProfile
	outcomeInvalid
	outcomeTransient
)

type remoteResult struct {
	outcome outcome
	userID  string
	err     error
}

type localState struct {
	record    *models.SessionRecord
	onboarded bool
	last      models.Identity
	cacheErr  error
	guest     models.Identity
	hasGuest  bool
	guestErr  error
}

// Resolve produces the current authorization decision. It never blocks
// longer than the remote timeout, and when the cached onboarding flag is
// set it does not wait for the remote at all: the remote check then runs
// in the background and only refreshes the cache.
func (r *Resolver) Resolve(ctx context.Context) (models.AuthDecision, error) {
	results := r.startRemoteCheck(ctx)
	local := r.readLocal(ctx)

	if local.onboarded {
		d := shortCircuit(local)
		r.logger.Debug(ctx, "onboarding flag set, not waiting for remote", "identity", d.Identity.String())
		return d, nil
	}

	var res remoteResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res = remoteResult{outcome: outcomeTransient, err: ctx.Err()}
	}

	switch res.outcome {
	case outcomeVerified:
		return models.AuthDecision{
			IsAuthenticated: true,
			Identity:        models.Registered(res.userID),
			Source:          models.SourceRemote,
		}, nil
	case outcomeTransient:
		if rec := local.record; rec != nil && rec.Authenticated && r.fresh(rec) {
			return models.AuthDecision{
				IsAuthenticated: true,
				Identity:        rec.Identity,
				Source:          models.SourceCache,
			}, nil
		}
	}

	if local.hasGuest {
		return models.AuthDecision{
			IsAuthenticated: true,
			Identity:        local.guest,
			IsGuest:         true,
			Source:          models.SourceFallback,
		}, nil
	}

	if res.outcome == outcomeTransient && local.cacheErr != nil && local.guestErr != nil {
		r.logger.Error(ctx, "all session sources failed",
			"remote_error", res.err, "cache_error", local.cacheErr, "guest_error", local.guestErr)
		return models.AuthDecision{}, ErrResolutionTimeout
	}

	src := models.SourceFallback
	if res.outcome != outcomeTransient {
		src = models.SourceRemote
	}
	return models.AuthDecision{Source: src}, nil
}

// shortCircuit authorizes an onboarded user from local state alone. The
// identity is the cached session's, else the guest's, else the last
// verified account's; with none of them it is left empty.
func shortCircuit(local localState) models.AuthDecision {
	d := models.AuthDecision{IsAuthenticated: true, Source: models.SourceCache}
	switch {
	case local.record != nil && local.record.Authenticated && !local.record.Identity.IsZero():
		d.Identity = local.record.Identity
	case local.hasGuest:
		d.Identity = local.guest
	default:
		d.Identity = local.last
	}
	d.IsGuest = d.Identity.IsGuest()
	return d
}

func (r *Resolver) fresh(rec *models.SessionRecord) bool {
	if r.opts.MaxCacheAge <= 0 {
		return true
	}
	return r.now().Sub(rec.LastVerifiedAt) <= r.opts.MaxCacheAge
}

// startRemoteCheck runs the remote check detached from ctx, so that an
// abandoned resolution still finishes updating the cache.
func (r *Resolver) startRemoteCheck(ctx context.Context) <-chan remoteResult {
	out := make(chan remoteResult, 1)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.RemoteTimeout)

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer cancel()
		out <- r.checkRemote(rctx, gen)
	}()
	return out
}

func (r *Resolver) checkRemote(ctx context.Context, gen uint64) remoteResult {
	sess, err := r.remote.GetSession(ctx)
	if err != nil {
		return r.remoteFailed(ctx, gen, err)
	}
	if sess == nil {
		r.cleanup(ctx, gen, "no remote session")
		return remoteResult{outcome: outcomeNoSession}
	}

	profile, err := r.remote.GetProfile(ctx, sess.UserID)
	if err != nil {
		return r.remoteFailed(ctx, gen, err)
	}
	if profile == nil {
		r.cleanup(ctx, gen, "session without profile")
		return remoteResult{outcome: outcomeNoProfile, userID: sess.UserID}
	}

	if err := r.persist(ctx, gen, sess.UserID, profile.OnboardingCompleted); err != nil {
		r.logger.Warn(ctx, "session record not saved", "error", err)
	}
	return remoteResult{outcome: outcomeVerified, userID: sess.UserID}
}

func (r *Resolver) remoteFailed(ctx context.Context, gen uint64, err error) remoteResult {
	if remote.Classify(err) == remote.ClassInvalidating {
		r.cleanup(ctx, gen, "session invalidated")
		return remoteResult{outcome: outcomeInvalid, err: err}
	}
	r.logger.Info(ctx, "remote session check failed", "error", err)
	return remoteResult{outcome: outcomeTransient, err: err}
}

// persist writes the verified record unless the session was signed out or
// cleared after the check began. lastVerifiedAt never moves backwards, and
// the onboarding flag follows the remote value when the remote has one.
func (r *Resolver) persist(ctx context.Context, gen uint64, userID string, onboarded *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		r.logger.Debug(ctx, "stale session check, not saved", "user_id", userID)
		return nil
	}

	var prev models.SessionRecord
	if _, err := cache.GetJSON(ctx, r.store, cache.KeySessionRecord, &prev); err != nil {
		r.logger.Debug(ctx, "previous session record unreadable", "error", err)
	}
	id := models.Registered(userID)
	rec := models.SessionRecord{
		Identity:       id,
		Authenticated:  true,
		LastVerifiedAt: timex.MaxTime(prev.LastVerifiedAt, r.now().UTC()),
	}
	if err := cache.SetJSON(ctx, r.store, cache.KeySessionRecord, rec); err != nil {
		return err
	}
	if err := r.store.Set(ctx, cache.KeyLastIdentity, id.String()); err != nil {
		return err
	}
	if onboarded != nil {
		return r.SetOnboarded(ctx, *onboarded)
	}
	return nil
}

func (r *Resolver) cleanup(ctx context.Context, gen uint64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		r.logger.Debug(ctx, "stale session check, not cleared", "reason", reason)
		return
	}
	r.gen++
	if err := r.store.RemoveAll(ctx, cache.SessionKeys...); err != nil {
		r.logger.Warn(ctx, "session cleanup failed", "reason", reason, "error", err)
		return
	}
	r.logger.Debug(ctx, "session cleared", "reason", reason)
}

func (r *Resolver) readLocal(ctx context.Context) localState {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()

	var st localState
	var g errgroup.Group
	g.Go(func() error {
		st.record, st.onboarded, st.cacheErr = r.Cached(ctx)
		if st.cacheErr != nil || !st.onboarded {
			return nil
		}
		v, ok, err := r.store.Get(ctx, cache.KeyLastIdentity)
		if err != nil {
			st.cacheErr = err
			return nil
		}
		if ok {
			st.last, _ = models.ParseIdentity(v)
		}
		return nil
	})
	g.Go(func() error {
		if r.guests == nil {
			st.guestErr = errNoGuestSource
			return nil
		}
		st.guest, st.hasGuest, st.guestErr = r.guests.Current(ctx)
		return nil
	})
	_ = g.Wait()
	return st
}

// Cached returns the cached session record (nil if absent) and the
// onboarding flag.
func (r *Resolver) Cached(ctx context.Context) (*models.SessionRecord, bool, error) {
	v, _, err := r.store.Get(ctx, cache.KeyOnboardingCompleted)
	if err != nil {
		return nil, false, err
	}
	onboarded := v == "true"

	var rec models.SessionRecord
	ok, err := cache.GetJSON(ctx, r.store, cache.KeySessionRecord, &rec)
	if err != nil {
		return nil, onboarded, err
	}
	if !ok {
		return nil, onboarded, nil
	}
	rec.OnboardingCompleted = onboarded
	return &rec, onboarded, nil
}

// SetOnboarded stores the onboarding flag.
func (r *Resolver) SetOnboarded(ctx context.Context, done bool) error {
	v := "false"
	if done {
		v = "true"
	}
	return r.store.Set(ctx, cache.KeyOnboardingCompleted, v)
}

// Cleanup clears the cached session and tokens. The onboarding flag, the
// last verified account and guest data are kept. Remote checks already in
// flight no longer write.
func (r *Resolver) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	return r.store.RemoveAll(ctx, cache.SessionKeys...)
}

// SignOut is Cleanup plus clearing the onboarding flag and the last
// verified account. Guest data stays.
func (r *Resolver) SignOut(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	keys := append(slices.Clone(cache.SessionKeys), cache.KeyOnboardingCompleted, cache.KeyLastIdentity)
	return r.store.RemoveAll(ctx, keys...)
}

// WaitBackground blocks until background remote checks have finished.
func (r *Resolver) WaitBackground() {
	r.bg.Wait()
}
