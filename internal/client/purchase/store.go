package purchase

import (
	"context"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
)

// Store is the app store's transaction stream.
type Store interface {
	// Purchase starts a purchase and returns the transaction as the store
	// reports it when the flow ends: completed, cancelled, pending or
	// failed.
	Purchase(ctx context.Context, productID string) (models.StoreTransaction, error)
	// Events delivers transaction updates, including ones started by
	// earlier processes.
	Events() <-chan models.StoreTransaction
	// ListOutstanding returns paid transactions not yet acknowledged.
	ListOutstanding(ctx context.Context) ([]models.StoreTransaction, error)
	Acknowledge(ctx context.Context, txID string) error
	// Restore returns the account's purchase history.
	Restore(ctx context.Context) ([]models.StoreTransaction, error)
}
