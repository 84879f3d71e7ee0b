package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/cryptox"
)

const saltSize = 32

// SignUpResult reports the new account and, when a guest existed, what
// was moved into it.
type SignUpResult struct {
	Decision  models.AuthDecision
	Migration *models.MigrationResult
}

// SignUp registers username, signs in and moves the local guest into the
// new account. If the migration fails the account still exists and the
// guest is kept; Migrate can be called again.
func (s *Service) SignUp(ctx context.Context, username string, password []byte) (res SignUpResult, err error) {
	defer s.guard(ctx, "sign_up", &err)

	if username == "" || len(password) == 0 {
		return res, fmt.Errorf("%w: username and password are required", ErrInvalidArgument)
	}

	salt := common.GenerateRandByteArray(saltSize)
	key := cryptox.DeriveMasterKey(password, salt)
	defer common.WipeByteArray(key)

	if _, err := s.remote.Register(ctx, username, salt, cryptox.MakeVerifier(key)); err != nil {
		return res, err
	}
	s.logger.Info(ctx, "account registered", "username", username)

	res.Decision, err = s.signIn(ctx, username, password)
	if err != nil {
		return res, err
	}

	if _, ok, gerr := s.guests.Current(ctx); gerr != nil || !ok {
		return res, gerr
	}
	mig, err := s.guests.Migrate(ctx, res.Decision.Identity.ID)
	if err != nil {
		return res, fmt.Errorf("account created, guest not migrated yet: %w", err)
	}
	res.Migration = &mig
	return res, nil
}

// SignIn authenticates against the server and waits for the session to
// become visible before resolving.
func (s *Service) SignIn(ctx context.Context, username string, password []byte) (d models.AuthDecision, err error) {
	defer s.guard(ctx, "sign_in", &err)
	return s.signIn(ctx, username, password)
}

func (s *Service) signIn(ctx context.Context, username string, password []byte) (models.AuthDecision, error) {
	salt, err := s.remote.GetSalt(ctx, username)
	if errors.Is(err, remote.ErrNotFound) {
		return models.AuthDecision{}, ErrBadCredentials
	}
	if err != nil {
		return models.AuthDecision{}, fmt.Errorf("get salt: %w", err)
	}

	key := cryptox.DeriveMasterKey(password, salt)
	defer common.WipeByteArray(key)

	if _, err := s.remote.Login(ctx, username, cryptox.MakeVerifier(key)); err != nil {
		if errors.Is(err, remote.ErrInvalidSession) {
			return models.AuthDecision{}, ErrBadCredentials
		}
		return models.AuthDecision{}, fmt.Errorf("login: %w", err)
	}

	if _, err := s.resolver.AwaitSession(ctx); err != nil {
		return models.AuthDecision{}, err
	}
	d, err := s.resolver.Resolve(ctx)
	if err != nil {
		return models.AuthDecision{}, err
	}
	s.setDecision(d)
	s.logger.Info(ctx, "signed in", "identity", d.Identity.String(), "source", string(d.Source))
	return d, nil
}

// SignOut ends the session. Guest data on this device is kept, so the
// decision falls back to the guest when one exists.
func (s *Service) SignOut(ctx context.Context) (d models.AuthDecision, err error) {
	defer s.guard(ctx, "sign_out", &err)

	prev := s.Decision()
	if err := s.remote.Logout(ctx); err != nil {
		s.logger.Warn(ctx, "token revocation failed", "error", err)
	}
	if err := s.resolver.SignOut(ctx); err != nil {
		return prev, err
	}
	if !prev.Identity.IsGuest() && !prev.Identity.IsZero() {
		if err := s.ledger.Forget(ctx, prev.Identity); err != nil {
			s.logger.Warn(ctx, "balance mirror not cleared", "error", err)
		}
	}
	return s.fallBackToGuest(ctx)
}

func (s *Service) fallBackToGuest(ctx context.Context) (models.AuthDecision, error) {
	d := models.AuthDecision{Source: models.SourceFallback}
	id, ok, err := s.guests.Current(ctx)
	if err != nil {
		s.setDecision(d)
		return d, err
	}
	if ok {
		d.Identity = id
		d.IsGuest = true
	}
	s.setDecision(d)
	return d, nil
}

// DeleteAccount deletes the account on the server. A failure is returned
// as is and nothing local changes. On success every local trace,
// including guest data, is removed.
func (s *Service) DeleteAccount(ctx context.Context) (err error) {
	defer s.guard(ctx, "delete_account", &err)

	userID, err := s.registered()
	if err != nil {
		return err
	}
	if err := s.remote.DeleteAccount(ctx, userID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	err = errors.Join(
		s.resolver.SignOut(ctx),
		s.guests.Discard(ctx),
		s.ledger.Forget(ctx, models.Registered(userID)),
	)
	s.setDecision(models.AuthDecision{Source: models.SourceFallback})
	s.logger.Info(ctx, "account deleted", "user_id", userID)
	return err
}

// Ping reports whether the server answers.
func (s *Service) Ping(ctx context.Context) (err error) {
	defer s.guard(ctx, "ping", &err)
	return s.remote.Ping(ctx)
}
