package store

import (
	"context"
	"errors"
	"time"

	"lapancomido/api/internal/model"
)

var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
)

type UserStore interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// GetUserByLogin matches username or email, case-insensitively.
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	SetUserPassword(ctx context.Context, id string, passwordHash string) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

type OTPStore interface {
	// IssueOTPToken marks every unused token of the same user and purpose
	// as used and inserts tok, in one transaction.
	IssueOTPToken(ctx context.Context, tok model.OTPToken) (model.OTPToken, error)
	// LatestActiveOTPToken returns the newest unused token expiring after now.
	LatestActiveOTPToken(ctx context.Context, userID string, purpose model.OTPPurpose, now time.Time) (*model.OTPToken, error)
	// ConsumeOTPToken flips used to true. ErrNotFound if it was already used.
	ConsumeOTPToken(ctx context.Context, id string) error
	ResetOTPAttempts(ctx context.Context, userID string) error
	// RecordOTPFailure increments the attempt counter. When the counter
	// reaches maxAttempts it is reset to 0 and the user is blocked until
	// blockUntil. Returns the stored counter; 0 means the user was just
	// blocked. ErrConflict if the user is already blocked at now.
	RecordOTPFailure(ctx context.Context, userID string, maxAttempts int, blockUntil, now time.Time) (int, error)
}

type DeviceStore interface {
	// TouchTrustedDevice refreshes last_used_at of a matching, unexpired device.
	TouchTrustedDevice(ctx context.Context, userID, token string, now time.Time) (bool, error)
	// AddTrustedDevice evicts the least recently used devices of the user
	// until fewer than maxDevices remain, then inserts d.
	AddTrustedDevice(ctx context.Context, d model.TrustedDevice, maxDevices int) (model.TrustedDevice, error)
	DeleteTrustedDevices(ctx context.Context, userID string) (int, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]model.TrustedDevice, error)
}

type Store interface {
	UserStore
	OTPStore
	DeviceStore
}

// Purger is implemented by stores that support retention cleanup.
type Purger interface {
	PurgeOTPTokensBefore(ctx context.Context, before time.Time) (int, error)
	PurgeExpiredTrustedDevices(ctx context.Context, now time.Time) (int, error)
}
