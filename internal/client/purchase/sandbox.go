package purchase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/google/uuid"
)

var ErrUnknownTransaction = errors.New("unknown transaction")

// Sandbox is a development Store kept in the local cache, so purchases
// survive restarts the way real store transactions do.
type Sandbox struct {
	store  cache.Store
	logger logging.Logger
	events chan models.StoreTransaction
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	outcome models.StoreState
	silent  bool
	closed  bool
}

func NewSandbox(store cache.Store, l logging.Logger) *Sandbox {
	if l == nil {
		l = logging.Nop()
	}
	return &Sandbox{
		store:   store,
		logger:  l.With("module", "sandbox_store"),
		events:  make(chan models.StoreTransaction, 64),
		now:     time.Now,
		newID:   func() string { return "tx-" + uuid.NewString() },
		outcome: models.StoreCompleted,
	}
}

// SetOutcome decides how the next purchases end.
func (s *Sandbox) SetOutcome(state models.StoreState) {
	s.mu.Lock()
	s.outcome = state
	s.mu.Unlock()
}

// SetSilent stops event delivery, which is how a crash between payment
// and grant looks from the app's side.
func (s *Sandbox) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

func (s *Sandbox) Events() <-chan models.StoreTransaction { return s.events }

func (s *Sandbox) Purchase(ctx context.Context, productID string) (models.StoreTransaction, error) {
	s.mu.Lock()
	outcome := s.outcome
	s.mu.Unlock()

	if outcome == models.StorePending {
		// payment never clears within the flow
		<-ctx.Done()
	}

	tx := models.StoreTransaction{
		ID:          s.newID(),
		ProductID:   productID,
		State:       outcome,
		PurchasedAt: s.now().UTC(),
	}
	if outcome == models.StoreCancelled {
		return tx, nil
	}
	if err := s.save(context.WithoutCancel(ctx), tx); err != nil {
		return models.StoreTransaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return tx, err
	}
	s.emit(tx)
	return tx, nil
}

// Inject records tx as if the store had produced it, e.g. a purchase made
// on another device.
func (s *Sandbox) Inject(ctx context.Context, tx models.StoreTransaction) error {
	if tx.PurchasedAt.IsZero() {
		tx.PurchasedAt = s.now().UTC()
	}
	if err := s.save(ctx, tx); err != nil {
		return err
	}
	s.emit(tx)
	return nil
}

// Settle moves a pending transaction to completed.
func (s *Sandbox) Settle(ctx context.Context, txID string) error {
	return s.transition(ctx, txID, models.StorePending, models.StoreCompleted)
}

// Refund marks a transaction refunded.
func (s *Sandbox) Refund(ctx context.Context, txID string) error {
	return s.transition(ctx, txID, "", models.StoreRefunded)
}

func (s *Sandbox) Acknowledge(ctx context.Context, txID string) error {
	tx, err := s.get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.State == models.StoreAcknowledged {
		return nil
	}
	if tx.State != models.StoreCompleted {
		return fmt.Errorf("acknowledge %s in state %s", txID, tx.State)
	}
	tx.State = models.StoreAcknowledged
	return s.save(ctx, tx)
}

func (s *Sandbox) ListOutstanding(ctx context.Context) ([]models.StoreTransaction, error) {
	return s.list(ctx, models.StoreCompleted)
}

func (s *Sandbox) Restore(ctx context.Context) ([]models.StoreTransaction, error) {
	return s.list(ctx, models.StoreCompleted, models.StoreAcknowledged)
}

// All lists every transaction the sandbox knows about.
func (s *Sandbox) All(ctx context.Context) ([]models.StoreTransaction, error) {
	return s.list(ctx)
}

// Close ends the event stream.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Sandbox) transition(ctx context.Context, txID string, from, to models.StoreState) error {
	tx, err := s.get(ctx, txID)
	if err != nil {
		return err
	}
	if from != "" && tx.State != from {
		return fmt.Errorf("transaction %s is %s, not %s", txID, tx.State, from)
	}
	tx.State = to
	if err := s.save(ctx, tx); err != nil {
		return err
	}
	s.emit(tx)
	return nil
}

func (s *Sandbox) emit(tx models.StoreTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silent || s.closed {
		return
	}
	select {
	case s.events <- tx:
	default:
		s.logger.Warn(context.Background(), "event dropped, listener is behind", "transaction_id", tx.ID)
	}
}

func (s *Sandbox) get(ctx context.Context, txID string) (models.StoreTransaction, error) {
	var tx models.StoreTransaction
	ok, err := cache.GetJSON(ctx, s.store, cache.SandboxTransactionKey(txID), &tx)
	if err != nil {
		return tx, err
	}
	if !ok {
		return tx, fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	return tx, nil
}

func (s *Sandbox) save(ctx context.Context, tx models.StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var index []string
	if _, err := cache.GetJSON(ctx, s.store, cache.KeySandboxIndex, &index); err != nil {
		return err
	}
	if err := cache.SetJSON(ctx, s.store, cache.SandboxTransactionKey(tx.ID), tx); err != nil {
		return err
	}
	if !slices.Contains(index, tx.ID) {
		index = append(index, tx.ID)
		return cache.SetJSON(ctx, s.store, cache.KeySandboxIndex, index)
	}
	return nil
}

func (s *Sandbox) list(ctx context.Context, states ...models.StoreState) ([]models.StoreTransaction, error) {
	var index []string
	if _, err := cache.GetJSON(ctx, s.store, cache.KeySandboxIndex, &index); err != nil {
		return nil, err
	}
	var out []models.StoreTransaction
	for _, id := range index {
		tx, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(states) == 0 || slices.Contains(states, tx.State) {
			out = append(out, tx)
		}
	}
	return out, nil
}
