package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/sethvargo/go-retry"
)

// ErrSignInTimeout is returned when no session appeared before the poll
// deadline.
var ErrSignInTimeout = errors.New("timed out waiting for sign-in")

var errNoSessionYet = errors.New("no session yet")

// AwaitSession polls the remote until a session exists, backing off
// exponentially from PollInterval, and gives up after PollDeadline or when
// ctx ends.
func (r *Resolver) AwaitSession(ctx context.Context) (*remote.Session, error) {
	b := retry.NewExponential(r.opts.PollInterval)
	b = retry.WithCappedDuration(8*r.opts.PollInterval, b)
	b = retry.WithMaxDuration(r.opts.PollDeadline, b)

	var sess *remote.Session
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := r.remote.GetSession(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		if s == nil {
			return retry.RetryableError(errNoSessionYet)
		}
		sess = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSignInTimeout, err)
	}
	return sess, nil
}
