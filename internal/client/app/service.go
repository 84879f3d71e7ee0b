// Package app is the UI-facing surface of the client. It owns the current
// authorization decision and routes every operation to the identity that
// decision names.
package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/guest"
	"github.com/dmitrijs2005/creditkeeper/internal/client/ledger"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/purchase"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/client/session"
	"github.com/dmitrijs2005/creditkeeper/internal/cryptox"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
)

// Options configures the components the Service builds.
type Options struct {
	Session       session.Options
	Purchase      purchase.Options
	LedgerTimeout time.Duration
	Catalog       *purchase.Catalog
}

type Service struct {
	store      cache.Store
	remote     remote.Client
	resolver   *session.Resolver
	guests     *guest.Manager
	ledger     *ledger.Ledger
	reconciler *purchase.Reconciler
	catalog    *purchase.Catalog
	logger     logging.Logger

	mu       sync.RWMutex
	decision models.AuthDecision

	// resolved closes on the first decision. rescan is signalled when the
	// decision moves to another identity.
	resolved     chan struct{}
	resolvedOnce sync.Once
	rescan       chan struct{}
}

// New wires the client components over one cache and one remote client.
func New(store cache.Store, rc remote.Client, txs purchase.Store, l logging.Logger, opts Options) *Service {
	if l == nil {
		l = logging.Nop()
	}
	if opts.Catalog == nil {
		opts.Catalog = purchase.DefaultCatalog()
	}

	s := &Service{
		store:   store,
		remote:  rc,
		catalog: opts.Catalog,
		logger:  l.With("module", "app"),

		resolved: make(chan struct{}),
		rescan:   make(chan struct{}, 1),
	}
	s.ledger = ledger.New(store, rc, l, opts.LedgerTimeout)
	s.guests = guest.NewManager(store, s.ledger, l)
	s.resolver = session.NewResolver(store, rc, s.guests, l, opts.Session)
	s.reconciler = purchase.NewReconciler(txs, s.ledger, opts.Catalog, store, s.guests, s.identity, l, opts.Purchase)
	return s
}

// Run processes store transactions until ctx ends. It waits for the first
// authorization decision so that outstanding purchases from earlier runs are
// credited to the right identity, and replays them again whenever the
// decision moves to another identity.
func (s *Service) Run(ctx context.Context) error {
	select {
	case <-s.resolved:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.rescan:
	default:
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-s.rescan:
				if n, err := s.reconciler.RecoverOrphans(ctx); err != nil {
					s.logger.Warn(ctx, "orphan rescan incomplete", "error", err)
				} else if n > 0 {
					s.logger.Info(ctx, "orphans recovered after identity change", "count", n)
				}
			}
		}
	}()

	err := s.reconciler.Run(ctx)
	close(done)
	wg.Wait()
	return err
}

// Close waits for background session checks.
func (s *Service) Close() {
	s.resolver.WaitBackground()
}

// guard turns a panic inside an operation into ErrInternal and maps the
// returned error onto the fixed set.
func (s *Service) guard(ctx context.Context, op string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error(ctx, "operation panicked", "op", op, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		*err = fmt.Errorf("%w: %s", ErrInternal, op)
		return
	}
	*err = translate(*err)
}

func (s *Service) setDecision(d models.AuthDecision) {
	s.mu.Lock()
	changed := d.Identity != s.decision.Identity
	s.decision = d
	s.mu.Unlock()

	if changed && !d.Identity.IsZero() {
		select {
		case s.rescan <- struct{}{}:
		default:
		}
	}
	s.markResolved()
}

// markResolved releases Run. A failed resolution also releases it; the
// guest then stands in for the missing decision.
func (s *Service) markResolved() {
	s.resolvedOnce.Do(func() { close(s.resolved) })
}

// ensureResolved makes a first decision when none was made yet. A failed
// resolution leaves identity lookup to the guest.
func (s *Service) ensureResolved(ctx context.Context) {
	select {
	case <-s.resolved:
		return
	default:
	}
	d, err := s.resolver.Resolve(ctx)
	if err != nil {
		s.markResolved()
		s.logger.Warn(ctx, "resolution before purchase failed", "error", err)
		return
	}
	s.setDecision(d)
}

// Decision returns the last decision without resolving again.
func (s *Service) Decision() models.AuthDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decision
}

// identity is the identity operations act on: the decision's, or the
// local guest when no decision names one yet.
func (s *Service) identity(ctx context.Context) (models.Identity, error) {
	if d := s.Decision(); !d.Identity.IsZero() {
		return d.Identity, nil
	}
	id, ok, err := s.guests.Current(ctx)
	if err != nil {
		return models.Identity{}, err
	}
	if !ok {
		return models.Identity{}, ErrNoIdentity
	}
	return id, nil
}

func (s *Service) registered() (string, error) {
	d := s.Decision()
	if !d.IsAuthenticated || d.Identity.IsZero() || d.Identity.IsGuest() {
		return "", ErrNotSignedIn
	}
	return d.Identity.ID, nil
}

// Resolve recomputes the authorization decision.
func (s *Service) Resolve(ctx context.Context) (d models.AuthDecision, err error) {
	defer s.guard(ctx, "resolve", &err)

	d, err = s.resolver.Resolve(ctx)
	if err != nil {
		s.markResolved()
		return models.AuthDecision{}, err
	}
	s.setDecision(d)
	return d, nil
}

// CreateGuest starts a guest identity, or returns the existing one.
func (s *Service) CreateGuest(ctx context.Context) (id models.Identity, err error) {
	defer s.guard(ctx, "create_guest", &err)

	d := s.Decision()
	switch {
	case d.IsAuthenticated && d.Identity.IsGuest():
		return d.Identity, nil
	case d.IsAuthenticated && !d.Identity.IsZero():
		return models.Identity{}, fmt.Errorf("%w: already signed in as %s", ErrInvalidArgument, d.Identity)
	}
	gid, err := s.guests.CreateGuest(ctx)
	if err != nil {
		return models.Identity{}, err
	}
	id = models.Guest(gid)
	s.setDecision(models.AuthDecision{Identity: id, IsGuest: true, Source: models.SourceFallback})
	return id, nil
}

// Migrate moves the local guest into the signed-in account.
func (s *Service) Migrate(ctx context.Context) (res models.MigrationResult, err error) {
	defer s.guard(ctx, "migrate", &err)

	userID, err := s.registered()
	if err != nil {
		return res, err
	}
	return s.guests.Migrate(ctx, userID)
}

// GetBalance reads the canonical balance of the current identity.
func (s *Service) GetBalance(ctx context.Context) (rec models.EntitlementRecord, err error) {
	defer s.guard(ctx, "get_balance", &err)

	id, err := s.identity(ctx)
	if err != nil {
		return rec, err
	}
	return s.ledger.GetBalance(ctx, id)
}

// CachedBalance is the last known balance, for display while offline.
func (s *Service) CachedBalance(ctx context.Context) (rec models.EntitlementRecord, ok bool, err error) {
	defer s.guard(ctx, "cached_balance", &err)

	id, err := s.identity(ctx)
	if err != nil {
		return rec, false, err
	}
	return s.ledger.CachedBalance(ctx, id)
}

// Spend consumes amount credits.
func (s *Service) Spend(ctx context.Context, amount int64) (rec models.EntitlementRecord, err error) {
	defer s.guard(ctx, "spend", &err)

	if amount <= 0 {
		return rec, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	id, err := s.identity(ctx)
	if err != nil {
		return rec, err
	}
	return s.ledger.Spend(ctx, id, amount)
}

func (s *Service) Products() []models.Product {
	return s.catalog.Products()
}

// Purchase buys productID for the current identity.
func (s *Service) Purchase(ctx context.Context, productID string) (res models.PurchaseResult, err error) {
	defer s.guard(ctx, "purchase", &err)

	s.ensureResolved(ctx)
	if _, err := s.identity(ctx); err != nil {
		return res, err
	}
	return s.reconciler.Purchase(ctx, productID)
}

// RestorePurchases replays the store history through the grant path.
func (s *Service) RestorePurchases(ctx context.Context) (res []models.PurchaseResult, err error) {
	defer s.guard(ctx, "restore_purchases", &err)

	s.ensureResolved(ctx)
	if _, err := s.identity(ctx); err != nil {
		return nil, err
	}
	return s.reconciler.RestorePurchases(ctx)
}

// CompleteOnboarding records the flag locally and, for accounts, on the
// profile. The remote write is best effort.
func (s *Service) CompleteOnboarding(ctx context.Context) (err error) {
	defer s.guard(ctx, "complete_onboarding", &err)

	if err := s.resolver.SetOnboarded(ctx, true); err != nil {
		return err
	}
	userID, err := s.registered()
	if err != nil {
		return nil
	}
	done := true
	if err := s.remote.UpdateProfile(ctx, userID, remote.ProfilePatch{OnboardingCompleted: &done}); err != nil {
		s.logger.Warn(ctx, "onboarding flag not saved remotely", "user_id", userID, "error", err)
	}
	return nil
}

// SaveArtifact stores content for the current identity.
func (s *Service) SaveArtifact(ctx context.Context, name string, content []byte) (a models.Artifact, err error) {
	defer s.guard(ctx, "save_artifact", &err)

	id, err := s.identity(ctx)
	if err != nil {
		return a, err
	}
	if id.IsGuest() {
		return s.guests.SaveArtifact(ctx, name, content)
	}
	a = models.Artifact{
		Name:        name,
		ContentHash: cryptox.ContentHash(content),
		Size:        int64(len(content)),
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.remote.SaveArtifact(ctx, id.ID, a); err != nil {
		return models.Artifact{}, err
	}
	return a, nil
}
