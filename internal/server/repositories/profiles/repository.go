// Package profiles stores the canonical credit profile of each account.
package profiles

import (
	"context"

	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

type Repository interface {
	// Create inserts an empty profile for userID.
	Create(ctx context.Context, userID string) error
	// Get returns common.ErrorNotFound when the account has no profile.
	Get(ctx context.Context, userID string) (*models.Profile, error)
	// GetForUpdate is Get with a row lock held until the transaction ends.
	GetForUpdate(ctx context.Context, userID string) (*models.Profile, error)
	// Save writes the credit fields and version of p.
	Save(ctx context.Context, p *models.Profile) error
	SetOnboarding(ctx context.Context, userID string, completed bool) (*models.Profile, error)
	// Consume subtracts amount only if the balance covers it, yielding
	// common.ErrorInsufficientCredits otherwise.
	Consume(ctx context.Context, userID string, amount int64) (*models.Profile, error)
}
