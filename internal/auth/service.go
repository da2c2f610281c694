// Package auth implements the one-time-password second factor, the resend
// cooldown schedule and trusted devices for the admin panel.
//
// The package holds no timers and no state of its own; every shared
// mutation goes through a single conditional store operation.
package auth

import (
	"log"
	"time"

	"lapancomido/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// Policy carries the tunable constants of the authentication core.
type Policy struct {
	OTPDigits         int
	OTPExpiry         time.Duration
	MaxAttempts       int
	BlockDuration     time.Duration
	DeviceExpiry      time.Duration
	MaxTrustedDevices int
	ResendCooldowns   []time.Duration
	UserAgentMaxLen   int
}

func DefaultPolicy() Policy {
	return Policy{
		OTPDigits:         8,
		OTPExpiry:         5 * time.Minute,
		MaxAttempts:       3,
		BlockDuration:     15 * time.Minute,
		DeviceExpiry:      30 * 24 * time.Hour,
		MaxTrustedDevices: 5,
		ResendCooldowns:   []time.Duration{0, 15 * time.Second, 30 * time.Second},
		UserAgentMaxLen:   500,
	}
}

type Service struct {
	store    store.Store
	policy   Policy
	logger   *log.Logger
	now      func() time.Time
	newCode  func() (string, error)
	hashCost int
}

type Option func(*Service)

// WithClock replaces time.Now. Every expiry decision uses this clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeSource replaces the random OTP generator.
func WithCodeSource(fn func() (string, error)) Option {
	return func(s *Service) { s.newCode = fn }
}

func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

func NewService(st store.Store, policy Policy, logger *log.Logger, opts ...Option) *Service {
	def := DefaultPolicy()
	if policy.OTPDigits <= 0 {
		policy.OTPDigits = def.OTPDigits
	}
	if policy.OTPExpiry <= 0 {
		policy.OTPExpiry = def.OTPExpiry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BlockDuration <= 0 {
		policy.BlockDuration = def.BlockDuration
	}
	if policy.DeviceExpiry <= 0 {
		policy.DeviceExpiry = def.DeviceExpiry
	}
	if policy.MaxTrustedDevices <= 0 {
		policy.MaxTrustedDevices = def.MaxTrustedDevices
	}
	if len(policy.ResendCooldowns) == 0 {
		policy.ResendCooldowns = def.ResendCooldowns
	}
	if policy.UserAgentMaxLen <= 0 {
		policy.UserAgentMaxLen = def.UserAgentMaxLen
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Service{
		store:    st,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
		hashCost: 10,
	}
	s.newCode = func() (string, error) { return GenerateOTP(s.policy.OTPDigits) }
	for _, opt := range opts {
		opt(s)
	}
	if s.hashCost < bcrypt.MinCost || s.hashCost > bcrypt.MaxCost {
		s.hashCost = bcrypt.DefaultCost
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}
