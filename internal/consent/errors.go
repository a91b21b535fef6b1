package consent

import "errors"

// Failure taxonomy for the Consent Service.
var (
	ErrNotFound      = errors.New("consent: token not found")
	ErrExpired       = errors.New("consent: token expired")
	ErrRevoked       = errors.New("consent: token revoked")
	ErrUserMismatch  = errors.New("consent: token does not belong to user")
	ErrBadSignature  = errors.New("consent: token signature does not verify")
)
