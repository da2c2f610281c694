package memory

import (
	"context"
	"sync"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
)

// Store keeps everything in process memory. A single mutex serialises
// every operation, which gives the conditional updates of the SQL
// backends their atomicity here.
type Store struct {
	mu sync.Mutex

	users   map[string]model.User
	tokens  []model.OTPToken // insertion order, newest last
	devices map[string]model.TrustedDevice
}

var _ store.Store = (*Store)(nil)
var _ store.Purger = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		users:   make(map[string]model.User),
		devices: make(map[string]model.TrustedDevice),
	}
}

type errWithCode string

func (e errWithCode) Error() string { return string(e) }

func (s *Store) PurgeOTPTokensBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tokens[:0]
	purged := 0
	for _, t := range s.tokens {
		if t.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, t)
	}
	s.tokens = kept
	return purged, nil
}

func (s *Store) PurgeExpiredTrustedDevices(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, d := range s.devices {
		if !d.ExpiresAt.After(now) {
			delete(s.devices, id)
			purged++
		}
	}
	return purged, nil
}
