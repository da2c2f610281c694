package memory

import (
	"context"
	"sort"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
)

func (s *Store) TouchTrustedDevice(_ context.Context, userID, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.devices {
		if d.UserID != userID || d.DeviceToken != token || !d.ExpiresAt.After(now) {
			continue
		}
		d.LastUsedAt = now.UTC()
		s.devices[id] = d
		return true, nil
	}
	return false, nil
}

func (s *Store) AddTrustedDevice(_ context.Context, d model.TrustedDevice, maxDevices int) (model.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[d.UserID]; !ok {
		return model.TrustedDevice{}, store.ErrNotFound
	}
	for _, existing := range s.devices {
		if existing.DeviceToken == d.DeviceToken {
			return model.TrustedDevice{}, store.ErrConflict
		}
	}

	owned := s.devicesOf(d.UserID)
	// oldest last_used_at first
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].LastUsedAt.Before(owned[j].LastUsedAt)
	})
	for len(owned) >= maxDevices && len(owned) > 0 {
		delete(s.devices, owned[0].ID)
		owned = owned[1:]
	}

	now := time.Now().UTC()
	d.ID = newID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.LastUsedAt.IsZero() {
		d.LastUsedAt = d.CreatedAt
	}
	s.devices[d.ID] = d
	return d, nil
}

func (s *Store) DeleteTrustedDevices(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.devices {
		if d.UserID == userID {
			delete(s.devices, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTrustedDevices(_ context.Context, userID string) ([]model.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.devicesOf(userID)
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out, nil
}

// devicesOf must be called with s.mu held.
func (s *Store) devicesOf(userID string) []model.TrustedDevice {
	out := make([]model.TrustedDevice, 0)
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}
