package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/repomanager"
)

// ProfileService owns the canonical credit profile. Grants are idempotent
// per (user, transaction) and spending never drives the balance negative.
type ProfileService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewProfileService(db *sql.DB, m repomanager.RepositoryManager) *ProfileService {
	return &ProfileService{db: db, repomanager: m}
}

// Get returns common.ErrorNotFound when the account has no profile.
func (s *ProfileService) Get(ctx context.Context, userID string) (*models.Profile, error) {
	return s.repomanager.Profiles(s.db).Get(ctx, userID)
}

// SetOnboarding records the onboarding flag. A nil value leaves the
// profile untouched.
func (s *ProfileService) SetOnboarding(ctx context.Context, userID string, completed *bool) (*models.Profile, error) {
	if completed == nil {
		return s.Get(ctx, userID)
	}
	return s.repomanager.Profiles(s.db).SetOnboarding(ctx, userID, *completed)
}

func validateGrant(g models.Grant) error {
	switch {
	case g.UserID == "" || g.TransactionID == "":
		return fmt.Errorf("%w: grant needs user and transaction", common.ErrorInvalidArgument)
	case g.CreditDelta < 0 || g.NewMax < 0:
		return fmt.Errorf("%w: negative grant", common.ErrorInvalidArgument)
	case g.Mode != models.GrantModePack && g.Mode != models.GrantModePeriod:
		return fmt.Errorf("%w: unknown grant mode %q", common.ErrorInvalidArgument, g.Mode)
	}
	return nil
}

// ApplyGrant credits g once. A transaction already recorded for the user,
// directly or through a covering grant, leaves the profile as is and
// reports duplicate.
func (s *ProfileService) ApplyGrant(ctx context.Context, g models.Grant) (p *models.Profile, duplicate bool, err error) {
	if err := validateGrant(g); err != nil {
		return nil, false, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		profiles := s.repomanager.Profiles(tx)
		grants := s.repomanager.Grants(tx)

		cur, err := profiles.GetForUpdate(ctx, g.UserID)
		if err != nil {
			return err
		}

		inserted, err := grants.Insert(ctx, g)
		if err != nil {
			return err
		}
		if !inserted {
			p, duplicate = cur, true
			return nil
		}

		for _, id := range g.Covers {
			if id == g.TransactionID {
				continue
			}
			if err := grants.Cover(ctx, g.UserID, id, g.TransactionID); err != nil {
				return err
			}
		}

		next := cur.Apply(g)
		if err := profiles.Save(ctx, &next); err != nil {
			return err
		}
		p = &next
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return p, duplicate, nil
}

// Consume spends amount credits. It fails with
// common.ErrorInsufficientCredits when the balance is short.
func (s *ProfileService) Consume(ctx context.Context, userID string, amount int64) (*models.Profile, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount %d", common.ErrorInvalidArgument, amount)
	}
	return s.repomanager.Profiles(s.db).Consume(ctx, userID, amount)
}
