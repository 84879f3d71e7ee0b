// Package cache is the client's local key-value store. It is advisory:
// nothing read from it is trusted for spending except a guest's own
// ledger record, which is guarded by the ledger's compare-and-swap.
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("cache closed")

// Store is a plain string key-value store without transactions.
type Store interface {
	// Get returns the value and true, or "", false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, keys ...string) error
	Close() error
}
