package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// ValidatePassword enforces the admin password policy.
func ValidatePassword(pw string) error {
	if len([]rune(pw)) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r):
			hasSpecial = true
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasDigit {
		return errors.New("password must contain at least one digit")
	}
	if !hasSpecial {
		return errors.New("password must contain at least one special character")
	}
	return nil
}

// Authenticate checks a username-or-email and password pair. Accounts
// that never completed setup get ErrSetupRequired.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*model.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.NeedsSetup() {
		return user, ErrSetupRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SetupCandidate returns the account for login if it still needs a password.
func (s *Service) SetupCandidate(ctx context.Context, login string) (*model.User, error) {
	user, err := s.store.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoUser
		}
		return nil, err
	}
	if !user.NeedsSetup() {
		return nil, ErrAlreadySetUp
	}
	return user, nil
}

// SetPassword validates and stores a new password for userID.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.SetUserPassword(ctx, userID, string(hash))
}
