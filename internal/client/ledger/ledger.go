// Package ledger is the single place where credit balances change.
//
// Registered users' balances live in the remote profile service; the
// ledger only keeps a display mirror of them. Guests have no remote
// account, so their canonical record lives in the local cache and is
// updated under a per-guest lock with a version check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoIdentity          = errors.New("no identity")
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrConflict means the guest record changed between read and write.
	ErrConflict = errors.New("ledger record changed concurrently")
)

const defaultTimeout = 6 * time.Second

// guestRecord is the canonical guest ledger stored under
// cache.GuestLedgerKey.
type guestRecord struct {
	Record  models.EntitlementRecord `json:"record"`
	Granted []string                 `json:"granted"`
}

type Ledger struct {
	store   cache.Store
	remote  remote.Client
	logger  logging.Logger
	timeout time.Duration
	now     func() time.Time

	flight singleflight.Group
	locks  sync.Map // key -> *sync.Mutex
}

// New builds a ledger. timeout bounds each remote call; zero means the
// default.
func New(store cache.Store, rc remote.Client, l logging.Logger, timeout time.Duration) *Ledger {
	if l == nil {
		l = logging.Nop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ledger{
		store:   store,
		remote:  rc,
		logger:  l.With("module", "ledger"),
		timeout: timeout,
		now:     time.Now,
	}
}

func (l *Ledger) lock(key string) func() {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetBalance reads the canonical balance. For registered users this is
// always a remote read; the mirror is refreshed as a side effect but never
// returned here.
func (l *Ledger) GetBalance(ctx context.Context, id models.Identity) (models.EntitlementRecord, error) {
	switch {
	case id.IsZero():
		return models.EntitlementRecord{}, ErrNoIdentity
	case id.IsGuest():
		g, err := l.readGuest(ctx, id.ID)
		return g.Record, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	p, err := l.remote.GetProfile(ctx, id.ID)
	if err != nil {
		return models.EntitlementRecord{}, err
	}
	if p == nil {
		return models.EntitlementRecord{}, fmt.Errorf("profile of %s: %w", id.ID, remote.ErrNotFound)
	}
	rec := p.Entitlement(l.now().UTC())
	l.updateMirror(ctx, rec)
	return rec, nil
}

// CachedBalance returns the last known balance for display. For guests
// it is the canonical local record.
func (l *Ledger) CachedBalance(ctx context.Context, id models.Identity) (models.EntitlementRecord, bool, error) {
	switch {
	case id.IsZero():
		return models.EntitlementRecord{}, false, ErrNoIdentity
	case id.IsGuest():
		g, err := l.readGuest(ctx, id.ID)
		return g.Record, err == nil, err
	}
	var rec models.EntitlementRecord
	ok, err := cache.GetJSON(ctx, l.store, cache.MirrorKey(id), &rec)
	return rec, ok, err
}

// updateMirror replaces the mirror only with an equal or newer version, so
// a slow refresh cannot overwrite a fresher one.
func (l *Ledger) updateMirror(ctx context.Context, rec models.EntitlementRecord) {
	key := cache.MirrorKey(rec.Identity)
	defer l.lock(key)()

	var cur models.EntitlementRecord
	ok, err := cache.GetJSON(ctx, l.store, key, &cur)
	if err == nil && ok && cur.Version > rec.Version {
		return
	}
	if err := cache.SetJSON(ctx, l.store, key, rec); err != nil {
		l.logger.Warn(ctx, "mirror write failed", "identity", rec.Identity.String(), "error", err)
	}
}

// Forget drops the mirror of id.
func (l *Ledger) Forget(ctx context.Context, id models.Identity) error {
	if id.IsZero() || id.IsGuest() {
		return nil
	}
	return l.store.Remove(ctx, cache.MirrorKey(id))
}

// ApplyGrant credits g to id unless g.TransactionID was already granted to
// id, in which case the current balance is returned with Duplicate set.
// Concurrent calls for the same identity and transaction share one
// underlying write.
func (l *Ledger) ApplyGrant(ctx context.Context, id models.Identity, g models.Grant) (models.GrantResult, error) {
	if id.IsZero() {
		return models.GrantResult{}, ErrNoIdentity
	}
	if g.TransactionID == "" || g.CreditDelta < 0 {
		return models.GrantResult{}, fmt.Errorf("%w: %+v", ErrInvalidGrant, g)
	}

	v, err, _ := l.flight.Do(id.String()+"|"+g.TransactionID, func() (any, error) {
		if id.IsGuest() {
			return l.grantGuest(ctx, id.ID, g)
		}
		return l.grantRemote(ctx, id.ID, g)
	})
	if err != nil {
		return models.GrantResult{}, err
	}
	res := v.(models.GrantResult)
	l.logger.Info(ctx, "grant applied",
		"identity", id.String(),
		"transaction_id", g.TransactionID,
		"delta", g.CreditDelta,
		"duplicate", res.Duplicate,
		"balance", res.Record.CreditsCurrent,
	)
	return res, nil
}

func (l *Ledger) grantRemote(ctx context.Context, userID string, g models.Grant) (models.GrantResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	p, dup, err := l.remote.ApplyGrant(ctx, userID, g)
	if err != nil {
		return models.GrantResult{}, err
	}
	rec := p.Entitlement(l.now().UTC())
	l.updateMirror(ctx, rec)
	return models.GrantResult{Record: rec, Duplicate: dup}, nil
}

func (l *Ledger) grantGuest(ctx context.Context, guestID string, g models.Grant) (models.GrantResult, error) {
	var dup bool
	rec, err := l.updateGuest(ctx, guestID, func(r *guestRecord) (bool, error) {
		if slices.Contains(r.Granted, g.TransactionID) {
			dup = true
			return false, nil
		}
		r.Record = r.Record.Apply(g)
		r.Granted = append(r.Granted, g.TransactionID)
		for _, c := range g.Covers {
			if !slices.Contains(r.Granted, c) {
				r.Granted = append(r.Granted, c)
			}
		}
		return true, nil
	})
	if err != nil {
		return models.GrantResult{}, err
	}
	return models.GrantResult{Record: rec.Record, Duplicate: dup}, nil
}

// Spend consumes amount credits from the canonical balance.
func (l *Ledger) Spend(ctx context.Context, id models.Identity, amount int64) (models.EntitlementRecord, error) {
	switch {
	case id.IsZero():
		return models.EntitlementRecord{}, ErrNoIdentity
	case amount <= 0:
		return models.EntitlementRecord{}, fmt.Errorf("%w: amount %d", ErrInvalidGrant, amount)
	case id.IsGuest():
		g, err := l.updateGuest(ctx, id.ID, func(r *guestRecord) (bool, error) {
			if r.Record.CreditsCurrent < amount {
				return false, ErrInsufficientCredits
			}
			r.Record.CreditsCurrent -= amount
			r.Record.Version++
			return true, nil
		})
		return g.Record, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	p, err := l.remote.ConsumeCredits(ctx, id.ID, amount)
	if errors.Is(err, remote.ErrInsufficientCredits) {
		return models.EntitlementRecord{}, ErrInsufficientCredits
	}
	if err != nil {
		return models.EntitlementRecord{}, err
	}
	rec := p.Entitlement(l.now().UTC())
	l.updateMirror(ctx, rec)
	return rec, nil
}

func (l *Ledger) readGuest(ctx context.Context, guestID string) (guestRecord, error) {
	r := guestRecord{Record: models.EntitlementRecord{Identity: models.Guest(guestID)}}
	if _, err := cache.GetJSON(ctx, l.store, cache.GuestLedgerKey(guestID), &r); err != nil {
		return guestRecord{}, err
	}
	r.Record.Identity = models.Guest(guestID)
	return r, nil
}

// updateGuest is the compare-and-swap on a guest record: fn runs on a
// fresh read, and the result is written only if the stored version still
// matches what was read.
func (l *Ledger) updateGuest(ctx context.Context, guestID string, fn func(*guestRecord) (bool, error)) (guestRecord, error) {
	key := cache.GuestLedgerKey(guestID)
	defer l.lock(key)()

	r, err := l.readGuest(ctx, guestID)
	if err != nil {
		return guestRecord{}, err
	}
	seen := r.Record.Version

	changed, err := fn(&r)
	if err != nil || !changed {
		return r, err
	}
	r.Record.FetchedAt = l.now().UTC()

	cur, err := l.readGuest(ctx, guestID)
	if err != nil {
		return guestRecord{}, err
	}
	if cur.Record.Version != seen {
		return guestRecord{}, ErrConflict
	}
	if err := cache.SetJSON(ctx, l.store, key, r); err != nil {
		return guestRecord{}, err
	}
	return r, nil
}

// GuestEntitlement returns a guest's canonical record and granted ids.
func (l *Ledger) GuestEntitlement(ctx context.Context, guestID string) (models.EntitlementRecord, []string, error) {
	r, err := l.readGuest(ctx, guestID)
	if err != nil {
		return models.EntitlementRecord{}, nil, err
	}
	return r.Record, r.Granted, nil
}

// ImportGuestState credits a migrating guest's balance to userID under a
// synthetic transaction id derived from the guest id, which makes the
// import idempotent, and saves the guest's artifacts remotely.
func (l *Ledger) ImportGuestState(ctx context.Context, userID string, s models.GuestState) error {
	if s.Credits > 0 || len(s.Granted) > 0 {
		_, err := l.ApplyGrant(ctx, models.Registered(userID), models.Grant{
			TransactionID: common.MigrationTransactionPrefix + s.GuestID,
			CreditDelta:   s.Credits,
			NewMax:        s.CreditsMax,
			Mode:          models.GrantPack,
			PlanID:        s.PlanID,
			PeriodEnd:     s.PeriodEnd,
			Covers:        s.Granted,
		})
		if err != nil {
			return err
		}
	}

	for _, a := range s.Artifacts {
		actx, cancel := context.WithTimeout(ctx, l.timeout)
		err := l.remote.SaveArtifact(actx, userID, a)
		cancel()
		if err != nil {
			return fmt.Errorf("artifact %s: %w", a.ContentHash, err)
		}
	}
	return nil
}
