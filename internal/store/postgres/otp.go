package postgres

import (
	"context"
	"errors"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) IssueOTPToken(ctx context.Context, tok model.OTPToken) (model.OTPToken, error) {
	createdAt := tok.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.OTPToken{}, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the user row so concurrent issues for the same user see each
	// other's insert before superseding.
	var locked string
	if err := tx.QueryRow(ctx, `
		select id::text from public.users where id = $1::uuid for update
	`, tok.UserID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OTPToken{}, store.ErrNotFound
		}
		return model.OTPToken{}, mapPgErr(err)
	}

	if _, err := tx.Exec(ctx, `
		update public.otp_tokens
		set used = true
		where user_id = $1::uuid
		  and purpose = $2
		  and used = false
	`, tok.UserID, string(tok.Purpose)); err != nil {
		return model.OTPToken{}, mapPgErr(err)
	}

	var out model.OTPToken
	var purpose string
	err = tx.QueryRow(ctx, `
		insert into public.otp_tokens (user_id, hashed_code, purpose, expires_at, used, created_at)
		values ($1::uuid, $2, $3, $4, false, $5)
		returning id::text, user_id::text, hashed_code, purpose, expires_at, used, created_at
	`, tok.UserID, tok.HashedCode, string(tok.Purpose), tok.ExpiresAt, createdAt).Scan(
		&out.ID,
		&out.UserID,
		&out.HashedCode,
		&purpose,
		&out.ExpiresAt,
		&out.Used,
		&out.CreatedAt,
	)
	if err != nil {
		return model.OTPToken{}, mapPgErr(err)
	}
	out.Purpose = model.OTPPurpose(purpose)

	if err := tx.Commit(ctx); err != nil {
		return model.OTPToken{}, mapPgErr(err)
	}
	return out, nil
}

func (s *Store) LatestActiveOTPToken(ctx context.Context, userID string, purpose model.OTPPurpose, now time.Time) (*model.OTPToken, error) {
	var t model.OTPToken
	var p string
	err := s.pool.QueryRow(ctx, `
		select id::text, user_id::text, hashed_code, purpose, expires_at, used, created_at
		from public.otp_tokens
		where user_id = $1::uuid
		  and purpose = $2
		  and used = false
		  and expires_at > $3
		order by created_at desc
		limit 1
	`, userID, string(purpose), now).Scan(&t.ID, &t.UserID, &t.HashedCode, &p, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	t.Purpose = model.OTPPurpose(p)
	return &t, nil
}

func (s *Store) ConsumeOTPToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		update public.otp_tokens
		set used = true
		where id = $1::uuid
		  and used = false
	`, id)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ResetOTPAttempts(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		update public.users
		set otp_attempts = 0,
		    otp_blocked_until = null
		where id = $1::uuid
	`, userID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordOTPFailure(ctx context.Context, userID string, maxAttempts int, blockUntil, now time.Time) (int, error) {
	// SET expressions see the pre-update row, so both CASEs test the same count.
	var attempts int
	err := s.pool.QueryRow(ctx, `
		update public.users
		set otp_attempts = case when otp_attempts + 1 >= $2 then 0 else otp_attempts + 1 end,
		    otp_blocked_until = case when otp_attempts + 1 >= $2 then $3 else otp_blocked_until end
		where id = $1::uuid
		  and (otp_blocked_until is null or otp_blocked_until <= $4)
		returning otp_attempts
	`, userID, maxAttempts, blockUntil, now).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapPgErr(err)
	}

	// No row updated: either the user is gone or a concurrent failure blocked it.
	if _, err := s.GetUserByID(ctx, userID); err != nil {
		return 0, err
	}
	return 0, store.ErrConflict
}
