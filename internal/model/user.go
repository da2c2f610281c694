package model

import "time"

type User struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	Role            Role       `json:"role"`
	PasswordHash    string     `json:"-"`
	OTPAttempts     int        `json:"-"`
	OTPBlockedUntil *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NeedsSetup is true until the user has chosen a password.
func (u User) NeedsSetup() bool {
	return u.PasswordHash == ""
}

// BlockedAt reports whether OTP verification is locked out at now.
func (u User) BlockedAt(now time.Time) bool {
	return u.OTPBlockedUntil != nil && u.OTPBlockedUntil.After(now)
}

type OTPToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	HashedCode string     `json:"-"`
	Purpose    OTPPurpose `json:"purpose"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Used       bool       `json:"used"`
	CreatedAt  time.Time  `json:"created_at"`
}

type TrustedDevice struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DeviceToken string    `json:"-"`
	UserAgent   string    `json:"user_agent"`
	IPAddress   string    `json:"ip_address"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	CreatedAt   time.Time `json:"created_at"`
}
