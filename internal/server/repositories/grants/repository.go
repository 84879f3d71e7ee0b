// Package grants records which store transactions were credited to an
// account. The (user, transaction) pair is unique, which makes grants
// idempotent.
package grants

import (
	"context"

	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

type Repository interface {
	// Insert records g and reports false when the transaction was already
	// recorded for the user.
	Insert(ctx context.Context, g models.Grant) (bool, error)
	// Cover records txID as accounted for by the grant coveredBy, without
	// credit. Already recorded ids are left alone.
	Cover(ctx context.Context, userID, txID, coveredBy string) error
}
