package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type Outcome string

const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeBlocked Outcome = "blocked"
	OutcomeExpired Outcome = "expired"
	OutcomeNoUser  Outcome = "no_user"
)

type VerifyResult struct {
	Outcome           Outcome
	AttemptsRemaining int
	BlockedUntil      time.Time
}

func (r VerifyResult) Valid() bool {
	return r.Outcome == OutcomeValid
}

// Err returns the sentinel matching the outcome, or nil when valid.
func (r VerifyResult) Err() error {
	switch r.Outcome {
	case OutcomeValid:
		return nil
	case OutcomeInvalid:
		return ErrInvalidCode
	case OutcomeBlocked:
		return ErrBlocked
	case OutcomeExpired:
		return ErrExpiredCode
	case OutcomeNoUser:
		return ErrNoUser
	}
	return fmt.Errorf("unknown outcome %q", r.Outcome)
}

// GenerateOTP returns a uniformly random numeric code of exactly digits
// digits with no leading zero.
func GenerateOTP(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("otp digits out of range: %d", digits)
	}
	low := pow10(digits - 1)
	span := big.NewInt(pow10(digits) - low)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return strconv.FormatInt(low+n.Int64(), 10), nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// CreateOTPToken issues a fresh code for (userID, purpose), superseding any
// unused one, and returns the plaintext. Delivery is up to the caller.
func (s *Service) CreateOTPToken(ctx context.Context, userID string, purpose model.OTPPurpose) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("invalid otp purpose %q", purpose)
	}

	code, err := s.newCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("hash otp: %w", err)
	}

	now := s.clock()
	if _, err := s.store.IssueOTPToken(ctx, model.OTPToken{
		UserID:     userID,
		HashedCode: string(hash),
		Purpose:    purpose,
		ExpiresAt:  now.Add(s.policy.OTPExpiry),
		CreatedAt:  now,
	}); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyOTPToken checks code against the newest active token of
// (userID, purpose). Only store failures are returned as errors.
func (s *Service) VerifyOTPToken(ctx context.Context, userID, code string, purpose model.OTPPurpose) (VerifyResult, error) {
	now := s.clock()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerifyResult{Outcome: OutcomeNoUser}, nil
		}
		return VerifyResult{}, err
	}

	if user.BlockedAt(now) {
		return VerifyResult{Outcome: OutcomeBlocked, BlockedUntil: *user.OTPBlockedUntil}, nil
	}

	tok, err := s.store.LatestActiveOTPToken(ctx, userID, purpose, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerifyResult{Outcome: OutcomeExpired}, nil
		}
		return VerifyResult{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(tok.HashedCode), []byte(code)) == nil {
		if err := s.store.ConsumeOTPToken(ctx, tok.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// consumed by a concurrent request
				return VerifyResult{Outcome: OutcomeExpired}, nil
			}
			return VerifyResult{}, err
		}
		if err := s.store.ResetOTPAttempts(ctx, userID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Outcome: OutcomeValid}, nil
	}

	blockUntil := now.Add(s.policy.BlockDuration)
	attempts, err := s.store.RecordOTPFailure(ctx, userID, s.policy.MaxAttempts, blockUntil, now)
	switch {
	case errors.Is(err, store.ErrConflict):
		return s.blockedResult(ctx, userID, blockUntil), nil
	case errors.Is(err, store.ErrNotFound):
		return VerifyResult{Outcome: OutcomeNoUser}, nil
	case err != nil:
		return VerifyResult{}, err
	}

	if attempts == 0 {
		s.logger.Printf("[auth] user %s blocked from otp until %s", userID, blockUntil.Format(time.RFC3339))
		return VerifyResult{Outcome: OutcomeBlocked, BlockedUntil: blockUntil}, nil
	}
	return VerifyResult{Outcome: OutcomeInvalid, AttemptsRemaining: s.policy.MaxAttempts - attempts}, nil
}

// blockedResult reports a block applied by a concurrent request.
func (s *Service) blockedResult(ctx context.Context, userID string, fallback time.Time) VerifyResult {
	if u, err := s.store.GetUserByID(ctx, userID); err == nil && u.OTPBlockedUntil != nil {
		return VerifyResult{Outcome: OutcomeBlocked, BlockedUntil: *u.OTPBlockedUntil}
	}
	return VerifyResult{Outcome: OutcomeBlocked, BlockedUntil: fallback}
}
