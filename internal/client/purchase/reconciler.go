// Package purchase turns store transactions into ledger grants exactly
// once, including transactions left behind by a process that died between
// payment and grant.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/ledger"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPurchaseRejected is terminal: refunded, failed or unknown product.
	ErrPurchaseRejected = errors.New("purchase rejected")
	// ErrPurchasePending means the outcome is not known yet. Funds may
	// have cleared; the next orphan scan credits them.
	ErrPurchasePending = errors.New("purchase pending, credits will arrive once the payment clears")
	ErrUnknownProduct  = fmt.Errorf("%w: unknown product", ErrPurchaseRejected)
	ErrNoIdentity      = errors.New("no identity to credit")
	// ErrOrphanRecovery wraps failures of the startup scan. They are
	// retried on the next start and never block the app.
	ErrOrphanRecovery = errors.New("orphan recovery failed")
)

// Granter is the ledger's grant entry point.
type Granter interface {
	ApplyGrant(ctx context.Context, id models.Identity, g models.Grant) (models.GrantResult, error)
}

// Tombstones resolves consumed guests to the account they merged into.
type Tombstones interface {
	MigratedTo(ctx context.Context, guestID string) (string, bool, error)
}

// IdentityFunc returns the identity new transactions are credited to.
type IdentityFunc func(ctx context.Context) (models.Identity, error)

type Options struct {
	// Concurrency bounds parallel transaction processing.
	Concurrency int
	// GrantRetries is how many times a transiently failing grant is
	// retried before the transaction is parked as failed.
	GrantRetries uint64
	// RetryBase is the first backoff step.
	RetryBase time.Duration
	// PurchaseTimeout bounds the interactive purchase flow.
	PurchaseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.GrantRetries == 0 {
		o.GrantRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.PurchaseTimeout <= 0 {
		o.PurchaseTimeout = 2 * time.Minute
	}
	return o
}

type Reconciler struct {
	store      Store
	ledger     Granter
	catalog    *Catalog
	cache      cache.Store
	tombstones Tombstones
	identity   IdentityFunc
	logger     logging.Logger
	opts       Options
	now        func() time.Time

	locks sync.Map // tx id -> *sync.Mutex
	ready chan struct{}
	once  sync.Once
}

func NewReconciler(
	store Store,
	granter Granter,
	catalog *Catalog,
	local cache.Store,
	tombstones Tombstones,
	identity IdentityFunc,
	l logging.Logger,
	opts Options,
) *Reconciler {
	if l == nil {
		l = logging.Nop()
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Reconciler{
		store:      store,
		ledger:     granter,
		catalog:    catalog,
		cache:      local,
		tombstones: tombstones,
		identity:   identity,
		logger:     l.With("module", "reconciler"),
		opts:       opts.withDefaults(),
		now:        time.Now,
		ready:      make(chan struct{}),
	}
}

// Run scans for orphans, then processes store events until ctx ends or
// the stream closes. Ready is closed once the scan is over.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.RecoverOrphans(ctx); err != nil {
		r.logger.Warn(ctx, "orphan scan incomplete", "error", err)
	}
	r.once.Do(func() { close(r.ready) })
	return r.listen(ctx)
}

// Ready is closed after the startup orphan scan.
func (r *Reconciler) Ready() <-chan struct{} { return r.ready }

func (r *Reconciler) listen(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-r.store.Events():
			if !ok {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if _, err := r.process(ctx, tx); err != nil {
					r.logger.Info(ctx, "transaction not granted", "transaction_id", tx.ID, "error", err)
				}
			}()
		}
	}
}

// RecoverOrphans replays every paid but unacknowledged transaction through
// the normal grant path. It returns how many were processed successfully.
func (r *Reconciler) RecoverOrphans(ctx context.Context) (int, error) {
	outstanding, err := r.store.ListOutstanding(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list outstanding: %v", ErrOrphanRecovery, err)
	}
	if len(outstanding) == 0 {
		return 0, nil
	}
	r.logger.Info(ctx, "replaying outstanding transactions", "count", len(outstanding))

	var (
		mu        sync.Mutex
		recovered int
		failures  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, tx := range outstanding {
		g.Go(func() error {
			_, err := r.process(gctx, tx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", tx.ID, err))
				return nil
			}
			recovered++
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return recovered, fmt.Errorf("%w: %w", ErrOrphanRecovery, errors.Join(failures...))
	}
	return recovered, nil
}

// Purchase runs the interactive flow for productID. A cancelled purchase
// is not an error. A purchase that does not finish in time returns
// ErrPurchasePending.
func (r *Reconciler) Purchase(ctx context.Context, productID string) (models.PurchaseResult, error) {
	if _, ok := r.catalog.Lookup(productID); !ok {
		return models.PurchaseResult{}, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}

	select {
	case <-r.ready:
	case <-ctx.Done():
		return models.PurchaseResult{Status: models.PurchasePending}, ErrPurchasePending
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.PurchaseTimeout)
	defer cancel()

	tx, err := r.store.Purchase(pctx, productID)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		r.logger.Info(ctx, "purchase flow timed out", "product_id", productID, "transaction_id", tx.ID)
		if tx.ID != "" {
			// pin the identity now so a later settlement credits the buyer
			tx.State = models.StorePending
			if _, perr := r.process(context.WithoutCancel(ctx), tx); perr != nil && !errors.Is(perr, ErrPurchasePending) {
				r.logger.Warn(ctx, "recording pending purchase failed", "transaction_id", tx.ID, "error", perr)
			}
		}
		return models.PurchaseResult{Status: models.PurchasePending, TransactionID: tx.ID}, ErrPurchasePending
	}
	if err != nil {
		return models.PurchaseResult{}, err
	}
	if tx.State == models.StoreCancelled {
		r.logger.Debug(ctx, "purchase cancelled by user", "product_id", productID)
		return models.PurchaseResult{Status: models.PurchaseCancelled, TransactionID: tx.ID}, nil
	}

	res, err := r.process(ctx, tx)
	// the event listener may have granted it first
	res.Duplicate = false
	return res, err
}

// RestorePurchases replays the store's purchase history. Already granted
// transactions come back as duplicates.
func (r *Reconciler) RestorePurchases(ctx context.Context) ([]models.PurchaseResult, error) {
	history, err := r.store.Restore(ctx)
	if err != nil {
		return nil, err
	}
	var (
		results []models.PurchaseResult
		errs    []error
	)
	for _, tx := range history {
		res, err := r.process(ctx, tx)
		if errors.Is(err, ErrPurchaseRejected) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tx.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Reconciler) lock(txID string) func() {
	v, _ := r.locks.LoadOrStore(txID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) load(ctx context.Context, txID string) (*models.Transaction, error) {
	var t models.Transaction
	ok, err := cache.GetJSON(ctx, r.cache, cache.TransactionKey(txID), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

// advance persists the next state. Writes are detached from ctx so an
// abandoned flow never leaves a half-written record.
func (r *Reconciler) advance(ctx context.Context, t *models.Transaction, next models.TxState) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("transaction %s: illegal transition %s -> %s", t.ID, t.State, next)
	}
	t.State = next
	t.UpdatedAt = r.now().UTC()
	return cache.SetJSON(context.WithoutCancel(ctx), r.cache, cache.TransactionKey(t.ID), t)
}

// process is the single path from a store transaction to a grant.
func (r *Reconciler) process(ctx context.Context, stx models.StoreTransaction) (models.PurchaseResult, error) {
	defer r.lock(stx.ID)()
	log := r.logger.With("transaction_id", stx.ID, "product_id", stx.ProductID)
	res := models.PurchaseResult{TransactionID: stx.ID}

	t, err := r.load(ctx, stx.ID)
	if err != nil {
		return res, err
	}

	if stx.State == models.StoreCancelled {
		if t != nil && t.State == models.TxObserved {
			_ = r.cache.Remove(context.WithoutCancel(ctx), cache.TransactionKey(stx.ID))
		}
		res.Status = models.PurchaseCancelled
		return res, nil
	}

	if t == nil && (stx.State == models.StoreFailed || stx.State == models.StoreRefunded) {
		return res, ErrPurchaseRejected
	}

	if t == nil {
		id, err := r.identity(ctx)
		if err != nil {
			return res, err
		}
		if id.IsZero() {
			return res, ErrNoIdentity
		}
		t = &models.Transaction{ID: stx.ID, ProductID: stx.ProductID, State: models.TxObserved, Identity: id, UpdatedAt: r.now().UTC()}
		if err := cache.SetJSON(context.WithoutCancel(ctx), r.cache, cache.TransactionKey(t.ID), t); err != nil {
			return res, err
		}
	}

	switch t.State {
	case models.TxAcknowledged:
		res.Status = models.PurchaseGranted
		res.Duplicate = true
		return res, nil
	case models.TxRejected:
		return res, ErrPurchaseRejected
	case models.TxFailed:
		if err := r.advance(ctx, t, models.TxObserved); err != nil {
			return res, err
		}
	}

	switch stx.State {
	case models.StorePending:
		res.Status = models.PurchasePending
		return res, ErrPurchasePending
	case models.StoreFailed, models.StoreRefunded:
		if t.State == models.TxGranted {
			// already credited; refunds of consumed credits are out of scope
			log.Warn(ctx, "store reports refund of a granted transaction")
			return res, ErrPurchaseRejected
		}
		if err := r.reject(ctx, t, string(stx.State)); err != nil {
			return res, err
		}
		return res, ErrPurchaseRejected
	}

	if t.State != models.TxGranted {
		granted, err := r.grant(ctx, t, stx, log)
		if err != nil {
			return res, err
		}
		res.Balance = &granted.Record
		res.Duplicate = granted.Duplicate
	}
	res.Status = models.PurchaseGranted

	if stx.State != models.StoreAcknowledged {
		if err := r.store.Acknowledge(ctx, stx.ID); err != nil {
			log.Warn(ctx, "acknowledge failed, will retry on next start", "error", err)
			return res, nil
		}
	}
	if err := r.advance(ctx, t, models.TxAcknowledged); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reconciler) reject(ctx context.Context, t *models.Transaction, reason string) error {
	if t.State == models.TxObserved {
		if err := r.advance(ctx, t, models.TxVerifying); err != nil {
			return err
		}
	}
	t.LastError = reason
	return r.advance(ctx, t, models.TxRejected)
}

func (r *Reconciler) grant(ctx context.Context, t *models.Transaction, stx models.StoreTransaction, log logging.Logger) (models.GrantResult, error) {
	if t.State == models.TxObserved {
		if err := r.advance(ctx, t, models.TxVerifying); err != nil {
			return models.GrantResult{}, err
		}
	}

	product, ok := r.catalog.Lookup(stx.ProductID)
	if !ok {
		if err := r.reject(ctx, t, "unknown product"); err != nil {
			return models.GrantResult{}, err
		}
		return models.GrantResult{}, fmt.Errorf("%w: %s", ErrUnknownProduct, stx.ProductID)
	}

	target, err := r.target(ctx, t.Identity)
	if err != nil {
		return models.GrantResult{}, err
	}
	if target != t.Identity {
		log.Info(ctx, "guest was migrated, crediting the account instead", "from", t.Identity.String(), "to", target.String())
	}

	purchasedAt := stx.PurchasedAt
	if purchasedAt.IsZero() {
		purchasedAt = r.now()
	}
	g := r.catalog.Grant(product, stx.ID, purchasedAt)

	var result models.GrantResult
	b := retry.WithMaxRetries(r.opts.GrantRetries, retry.NewExponential(r.opts.RetryBase))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		t.Attempts++
		res, err := r.ledger.ApplyGrant(ctx, target, g)
		if err == nil {
			result = res
			return nil
		}
		if remote.Classify(err) == remote.ClassTransient && !errors.Is(err, ledger.ErrInvalidGrant) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if remote.Classify(err) == remote.ClassRejected || errors.Is(err, ledger.ErrInvalidGrant) {
			if rerr := r.reject(ctx, t, err.Error()); rerr != nil {
				return models.GrantResult{}, rerr
			}
			return models.GrantResult{}, fmt.Errorf("%w: %v", ErrPurchaseRejected, err)
		}
		t.LastError = err.Error()
		if aerr := r.advance(ctx, t, models.TxFailed); aerr != nil {
			return models.GrantResult{}, errors.Join(err, aerr)
		}
		return models.GrantResult{}, fmt.Errorf("%w: %v", ErrPurchasePending, err)
	}

	t.Identity = target
	t.LastError = ""
	if err := r.advance(ctx, t, models.TxGranted); err != nil {
		return models.GrantResult{}, err
	}
	return result, nil
}

// target follows a consumed guest to the account it became.
func (r *Reconciler) target(ctx context.Context, id models.Identity) (models.Identity, error) {
	if !id.IsGuest() || r.tombstones == nil {
		return id, nil
	}
	userID, ok, err := r.tombstones.MigratedTo(ctx, id.ID)
	if err != nil {
		return id, err
	}
	if ok {
		return models.Registered(userID), nil
	}
	return id, nil
}

// Transaction returns the reconciler's record for txID, if any.
func (r *Reconciler) Transaction(ctx context.Context, txID string) (*models.Transaction, error) {
	return r.load(ctx, txID)
}
