package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal            = errors.New("internal error")
	ErrorUnauthorized        = errors.New("unauthorized")
	ErrorForbidden           = errors.New("forbidden")
	ErrorInsufficientCredits = errors.New("insufficient credits")
	ErrorInvalidArgument     = errors.New("invalid argument")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
