package auth

import "errors"

// Validation failures are classified so callers can log precisely; the HTTP
// layer collapses all of them into one generic unauthorized response.
var (
	ErrMalformed    = errors.New("malformed token")
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("bad token signature")
	ErrBadAudience  = errors.New("bad token audience")
)
