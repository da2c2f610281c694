package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
)

func (s *Store) CreateUser(_ context.Context, u model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.TrimSpace(u.Username)
	if username == "" {
		return model.User{}, errWithCode("username_required")
	}
	email := strings.TrimSpace(u.Email)
	if email == "" {
		return model.User{}, errWithCode("email_required")
	}

	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, username) || strings.EqualFold(existing.Email, email) {
			return model.User{}, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	u.ID = newID()
	u.Username = username
	u.Email = email
	if u.Role == "" {
		u.Role = model.RoleAdmin
	}
	u.OTPAttempts = 0
	u.OTPBlockedUntil = nil
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	login = strings.TrimSpace(login)
	for _, u := range s.users {
		if strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetUserPassword(_ context.Context, id string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}
