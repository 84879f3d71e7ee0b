package models

import "time"

// StoreState is a transaction state as reported by the app store.
type StoreState string

const (
	StorePending   StoreState = "pending"
	StoreCompleted StoreState = "completed"
	StoreCancelled StoreState = "cancelled"
	StoreFailed    StoreState = "failed"
	StoreRefunded  StoreState = "refunded"
	// StoreAcknowledged means the store has finalized the transaction.
	StoreAcknowledged StoreState = "acknowledged"
)

// StoreTransaction is an event from the store's transaction stream.
type StoreTransaction struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"productId"`
	State       StoreState `json:"state"`
	PurchasedAt time.Time  `json:"purchasedAt"`
}

// TxState is the reconciler's own view of a transaction.
type TxState string

const (
	TxObserved     TxState = "observed"
	TxVerifying    TxState = "verifying"
	TxGranted      TxState = "granted"
	TxAcknowledged TxState = "acknowledged"
	TxFailed       TxState = "failed"
	TxRejected     TxState = "rejected"
)

var txTransitions = map[TxState][]TxState{
	TxObserved:  {TxVerifying},
	TxVerifying: {TxGranted, TxFailed, TxRejected},
	TxFailed:    {TxObserved},
	TxGranted:   {TxAcknowledged},
}

// CanTransition reports whether the reconciler may move from s to next.
func (s TxState) CanTransition(next TxState) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TxState) Terminal() bool {
	return s == TxAcknowledged || s == TxRejected
}

// Transaction is the reconciler's persisted record for one store
// transaction.
type Transaction struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	State     TxState   `json:"state"`
	Identity  Identity  `json:"identity"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProductKind distinguishes consumable packs from plan periods.
type ProductKind string

const (
	ProductPack   ProductKind = "pack"
	ProductPeriod ProductKind = "period"
)

// Product is an entry in the catalog.
type Product struct {
	ID      string        `json:"id"`
	Kind    ProductKind   `json:"kind"`
	Credits int64         `json:"credits"`
	PlanID  string        `json:"planId,omitempty"`
	Period  time.Duration `json:"period,omitempty"`
}

// PurchaseStatus is the user-visible result of a purchase flow.
type PurchaseStatus string

const (
	PurchaseGranted   PurchaseStatus = "granted"
	PurchaseCancelled PurchaseStatus = "cancelled"
	PurchasePending   PurchaseStatus = "pending"
)

// PurchaseResult is returned by a purchase or restore.
type PurchaseResult struct {
	Status        PurchaseStatus
	TransactionID string
	Balance       *EntitlementRecord
	Duplicate     bool
}

// MigrationStatus describes what a migrate call did.
type MigrationStatus string

const (
	MigrationCompleted MigrationStatus = "completed"
	MigrationNothing   MigrationStatus = "nothing_to_migrate"
	MigrationAlready   MigrationStatus = "already_migrated"
)

// MigrationResult is returned by guest migration.
type MigrationResult struct {
	Status    MigrationStatus
	GuestID   string
	UserID    string
	Credits   int64
	Artifacts int
}
