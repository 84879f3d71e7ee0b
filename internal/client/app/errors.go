package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/client/guest"
	"github.com/dmitrijs2005/creditkeeper/internal/client/ledger"
	"github.com/dmitrijs2005/creditkeeper/internal/client/purchase"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/client/session"
)

// Every Service operation fails with one of these, possibly wrapped.
var (
	ErrInternal            = errors.New("internal error")
	ErrNoIdentity          = errors.New("not signed in and no guest")
	ErrNotSignedIn         = errors.New("not signed in")
	ErrBadCredentials      = errors.New("wrong username or password")
	ErrAlreadyExists       = errors.New("username already taken")
	ErrOffline             = errors.New("server unreachable")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPurchasePending     = purchase.ErrPurchasePending
	ErrPurchaseRejected    = purchase.ErrPurchaseRejected
	ErrMigrationConflict   = guest.ErrMigrationConflict
	ErrTimeout             = errors.New("timed out")
)

var fixed = []error{
	ErrInternal, ErrNoIdentity, ErrNotSignedIn, ErrBadCredentials, ErrAlreadyExists, ErrOffline,
	ErrInsufficientCredits, ErrInvalidArgument, ErrPurchasePending, ErrPurchaseRejected,
	ErrMigrationConflict, ErrTimeout,
}

// translate maps an error from the layers below onto the fixed set. The
// original error stays in the chain for logging.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, f := range fixed {
		if errors.Is(err, f) {
			return err
		}
	}

	var target error
	switch {
	case errors.Is(err, ledger.ErrNoIdentity), errors.Is(err, purchase.ErrNoIdentity), errors.Is(err, guest.ErrNoGuest):
		target = ErrNoIdentity
	case errors.Is(err, ledger.ErrInsufficientCredits), errors.Is(err, remote.ErrInsufficientCredits):
		target = ErrInsufficientCredits
	case errors.Is(err, ledger.ErrInvalidGrant):
		target = ErrInvalidArgument
	case errors.Is(err, session.ErrResolutionTimeout), errors.Is(err, session.ErrSignInTimeout):
		target = ErrTimeout
	case errors.Is(err, remote.ErrAlreadyExists):
		target = ErrAlreadyExists
	case errors.Is(err, remote.ErrInvalidSession):
		target = ErrNotSignedIn
	case errors.Is(err, remote.ErrRejected):
		target = ErrInvalidArgument
	case errors.Is(err, remote.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		target = ErrOffline
	default:
		target = ErrInternal
	}
	return fmt.Errorf("%w: %w", target, err)
}
