package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidSession means the server rejected the credentials. Callers
	// clean up the session; it is not shown to the user.
	ErrInvalidSession = errors.New("invalid session")
	// ErrTransient covers network failures, timeouts and server hiccups.
	ErrTransient           = errors.New("remote temporarily unavailable")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrRejected is a definitive refusal of a well-formed request.
	ErrRejected = errors.New("rejected by server")
)

// Class is the closed set of error classes callers branch on.
type Class int

const (
	ClassNone Class = iota
	ClassInvalidating
	ClassTransient
	ClassNotFound
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInvalidating:
		return "invalidating"
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify maps an error returned by a Client to its class. Errors that
// did not come through the client boundary count as transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidSession):
		return ClassInvalidating
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRejected), errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrAlreadyExists):
		return ClassRejected
	default:
		return ClassTransient
	}
}

// mapError converts a gRPC error into one of the package sentinels,
// keeping the server message for logs.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var sentinel error
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		sentinel = ErrInvalidSession
	case codes.NotFound:
		sentinel = ErrNotFound
	case codes.AlreadyExists:
		sentinel = ErrAlreadyExists
	case codes.FailedPrecondition:
		sentinel = ErrInsufficientCredits
	case codes.InvalidArgument, codes.OutOfRange:
		sentinel = ErrRejected
	default:
		sentinel = ErrTransient
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
