package postgres

import (
	"context"
	"errors"
	"strings"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id::text, username, email, role, password_hash, otp_attempts, otp_blocked_until, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&role,
		&u.PasswordHash,
		&u.OTPAttempts,
		&u.OTPBlockedUntil,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	role := u.Role
	if role == "" {
		role = model.RoleAdmin
	}
	out, err := scanUser(s.pool.QueryRow(ctx, `
		insert into public.users (username, email, role, password_hash)
		values ($1, $2, $3, $4)
		returning `+userColumns,
		strings.TrimSpace(u.Username), strings.TrimSpace(u.Email), string(role), u.PasswordHash))
	if err != nil {
		return model.User{}, mapPgErr(err)
	}
	return *out, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		select `+userColumns+`
		from public.users
		where id = $1::uuid
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return u, nil
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		select `+userColumns+`
		from public.users
		where lower(username) = lower($1) or lower(email) = lower($1)
		limit 1
	`, strings.TrimSpace(login)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return u, nil
}

func (s *Store) SetUserPassword(ctx context.Context, id string, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `
		update public.users
		set password_hash = $2
		where id = $1::uuid
	`, id, passwordHash)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		select `+userColumns+`
		from public.users
		order by lower(username) asc
	`)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr(err)
	}
	return out, nil
}
