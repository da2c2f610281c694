package sqlite

import (
	"context"
	"errors"
	"strings"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	username := strings.TrimSpace(u.Username)
	email := strings.TrimSpace(u.Email)
	if username == "" || email == "" {
		return model.User{}, errors.New("username_and_email_required")
	}
	role := u.Role
	if role == "" {
		role = model.RoleAdmin
	}

	row := userRow{
		ID:           uuid.NewString(),
		Username:     username,
		UsernameKey:  strings.ToLower(username),
		Email:        email,
		EmailKey:     strings.ToLower(email),
		Role:         string(role),
		PasswordHash: u.PasswordHash,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.User{}, mapErr(err)
	}
	return row.toModel(), nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	u := row.toModel()
	return &u, nil
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	key := strings.ToLower(strings.TrimSpace(login))
	var row userRow
	if err := s.db.WithContext(ctx).
		Where("username_key = ? OR email_key = ?", key, key).
		First(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	u := row.toModel()
	return &u, nil
}

func (s *Store) SetUserPassword(ctx context.Context, id string, passwordHash string) error {
	res := s.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", id).
		Update("password_hash", passwordHash)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("username_key asc").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// userExists must run inside tx.
func userExists(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&userRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
