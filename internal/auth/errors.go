package auth

import "errors"

var (
	ErrInvalidCode = errors.New("invalid_code")
	ErrExpiredCode = errors.New("expired_code")
	ErrBlocked     = errors.New("otp_blocked")
	ErrNoUser      = errors.New("no_user")

	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrSetupRequired      = errors.New("setup_required")
	ErrAlreadySetUp       = errors.New("already_set_up")
)
