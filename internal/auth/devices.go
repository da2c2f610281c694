package auth

import (
	"context"

	"lapancomido/api/internal/model"

	"github.com/google/uuid"
)

// IsDeviceTrusted reports whether token names an unexpired trusted device of
// userID, refreshing its last-used time when it does.
func (s *Service) IsDeviceTrusted(ctx context.Context, userID, token string) (bool, error) {
	if userID == "" || token == "" {
		return false, nil
	}
	return s.store.TouchTrustedDevice(ctx, userID, token, s.clock())
}

// CreateTrustedDevice registers a new device and returns its token. The
// least recently used devices are evicted to stay within the cap.
func (s *Service) CreateTrustedDevice(ctx context.Context, userID, userAgent, ip string) (string, error) {
	now := s.clock()
	d, err := s.store.AddTrustedDevice(ctx, model.TrustedDevice{
		UserID:      userID,
		DeviceToken: uuid.NewString(),
		UserAgent:   truncateRunes(userAgent, s.policy.UserAgentMaxLen),
		IPAddress:   ip,
		ExpiresAt:   now.Add(s.policy.DeviceExpiry),
		LastUsedAt:  now,
		CreatedAt:   now,
	}, s.policy.MaxTrustedDevices)
	if err != nil {
		return "", err
	}
	return d.DeviceToken, nil
}

func (s *Service) RevokeAllDevices(ctx context.Context, userID string) (int, error) {
	n, err := s.store.DeleteTrustedDevices(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Printf("[auth] revoked %d trusted devices of user %s", n, userID)
	}
	return n, nil
}

func (s *Service) ListTrustedDevices(ctx context.Context, userID string) ([]model.TrustedDevice, error) {
	return s.store.ListTrustedDevices(ctx, userID)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
