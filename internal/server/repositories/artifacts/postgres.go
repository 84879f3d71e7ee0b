package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.Artifact) (bool, error) {
	query := `
		INSERT INTO artifacts (user_id, content_hash, name, size, object_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, content_hash) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, a.UserID, a.ContentHash, a.Name, a.Size, a.ObjectKey)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID, contentHash string) (*models.Artifact, error) {
	query := `
		SELECT user_id, content_hash, name, size, object_key, uploaded, created_at
		FROM artifacts
		WHERE user_id = $1 AND content_hash = $2
	`
	a := &models.Artifact{}
	err := r.db.QueryRowContext(ctx, query, userID, contentHash).
		Scan(&a.UserID, &a.ContentHash, &a.Name, &a.Size, &a.ObjectKey, &a.Uploaded, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) MarkUploaded(ctx context.Context, userID, contentHash string) error {
	query := `
		UPDATE artifacts
		SET uploaded = TRUE
		WHERE user_id = $1 AND content_hash = $2
	`
	res, err := r.db.ExecContext(ctx, query, userID, contentHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) ObjectKeys(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT object_key
		FROM artifacts
		WHERE user_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return keys, nil
}
