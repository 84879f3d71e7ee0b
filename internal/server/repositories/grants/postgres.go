package grants

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, g models.Grant) (bool, error) {
	query := `
		INSERT INTO grants (user_id, transaction_id, credit_delta, mode)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, transaction_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, g.UserID, g.TransactionID, g.CreditDelta, g.Mode)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Cover(ctx context.Context, userID, txID, coveredBy string) error {
	query := `
		INSERT INTO grants (user_id, transaction_id, credit_delta, mode, covered_by)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (user_id, transaction_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, txID, models.GrantModePack, coveredBy); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
