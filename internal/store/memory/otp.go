package memory

import (
	"context"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
)

func (s *Store) IssueOTPToken(_ context.Context, tok model.OTPToken) (model.OTPToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[tok.UserID]; !ok {
		return model.OTPToken{}, store.ErrNotFound
	}

	for i := range s.tokens {
		t := &s.tokens[i]
		if t.UserID == tok.UserID && t.Purpose == tok.Purpose && !t.Used {
			t.Used = true
		}
	}

	tok.ID = newID()
	tok.Used = false
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	s.tokens = append(s.tokens, tok)
	return tok, nil
}

func (s *Store) LatestActiveOTPToken(_ context.Context, userID string, purpose model.OTPPurpose, now time.Time) (*model.OTPToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.OTPToken
	for i := len(s.tokens) - 1; i >= 0; i-- {
		t := s.tokens[i]
		if t.UserID != userID || t.Purpose != purpose || t.Used || !t.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			tc := t
			latest = &tc
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ConsumeOTPToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tokens {
		if s.tokens[i].ID != id {
			continue
		}
		if s.tokens[i].Used {
			return store.ErrNotFound
		}
		s.tokens[i].Used = true
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) ResetOTPAttempts(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.OTPAttempts = 0
	u.OTPBlockedUntil = nil
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Store) RecordOTPFailure(_ context.Context, userID string, maxAttempts int, blockUntil, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if u.BlockedAt(now) {
		return 0, store.ErrConflict
	}

	attempts := u.OTPAttempts + 1
	if attempts >= maxAttempts {
		until := blockUntil.UTC()
		u.OTPBlockedUntil = &until
		attempts = 0
	}
	u.OTPAttempts = attempts
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return attempts, nil
}
