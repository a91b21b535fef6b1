package session

import "errors"

var (
	ErrUnknownKey = errors.New("session: unknown key")
	ErrExpired    = errors.New("session: key expired")
	ErrRevoked    = errors.New("session: key revoked")
	ErrReplay     = errors.New("session: message replayed")
	ErrStale      = errors.New("session: message outside freshness window")
	ErrMacMismatch = errors.New("session: mac mismatch")
)
