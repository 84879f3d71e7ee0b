package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

const profileColumns = `user_id, onboarding_completed, credits_current, credits_max, plan_id, period_end, version, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanProfile(row *sql.Row) (*models.Profile, error) {
	var (
		p          models.Profile
		onboarding sql.NullBool
		planID     sql.NullString
		periodEnd  sql.NullTime
	)
	err := row.Scan(&p.UserID, &onboarding, &p.CreditsCurrent, &p.CreditsMax, &planID, &periodEnd, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if onboarding.Valid {
		v := onboarding.Bool
		p.OnboardingCompleted = &v
	}
	p.PlanID = planID.String
	if periodEnd.Valid {
		t := periodEnd.Time
		p.PeriodEnd = &t
	}
	return &p, nil
}

func (r *PostgresRepository) Create(ctx context.Context, userID string) error {
	query :=
		`INSERT INTO profiles (user_id)
		 VALUES ($1)
		 `
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrorAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) get(ctx context.Context, query, userID string) (*models.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID string) (*models.Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 FOR UPDATE`, userID)
}

func (r *PostgresRepository) Save(ctx context.Context, p *models.Profile) error {
	query :=
		`UPDATE profiles
		 SET credits_current = $2, credits_max = $3, plan_id = $4, period_end = $5, version = $6, updated_at = now()
		 WHERE user_id = $1
		 `

	planID := sql.NullString{String: p.PlanID, Valid: p.PlanID != ""}
	var periodEnd sql.NullTime
	if p.PeriodEnd != nil {
		periodEnd = sql.NullTime{Time: *p.PeriodEnd, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query, p.UserID, p.CreditsCurrent, p.CreditsMax, planID, periodEnd, p.Version)
	if err != nil {
		if dbx.IsCheckViolation(err) {
			return common.ErrorInvalidArgument
		}
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

func (r *PostgresRepository) SetOnboarding(ctx context.Context, userID string, completed bool) (*models.Profile, error) {
	query :=
		`UPDATE profiles
		 SET onboarding_completed = $2, version = version + 1, updated_at = now()
		 WHERE user_id = $1
		 RETURNING ` + profileColumns

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, userID, completed))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) Consume(ctx context.Context, userID string, amount int64) (*models.Profile, error) {
	query :=
		`UPDATE profiles
		 SET credits_current = credits_current - $2, version = version + 1, updated_at = now()
		 WHERE user_id = $1 AND credits_current >= $2
		 RETURNING ` + profileColumns

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, userID, amount))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// No row matched: either the profile is missing or the balance is short.
	if _, err := r.Get(ctx, userID); err != nil {
		return nil, err
	}
	return nil, common.ErrorInsufficientCredits
}
