package postgres

import (
	"context"
	"errors"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/jackc/pgx/v5"
)

const deviceColumns = `id::text, user_id::text, device_token, user_agent, ip_address, expires_at, last_used_at, created_at`

func (s *Store) TouchTrustedDevice(ctx context.Context, userID, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		update public.trusted_devices
		set last_used_at = $3
		where user_id = $1::uuid
		  and device_token = $2
		  and expires_at > $3
	`, userID, token, now)
	if err != nil {
		return false, mapPgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AddTrustedDevice(ctx context.Context, d model.TrustedDevice, maxDevices int) (model.TrustedDevice, error) {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.LastUsedAt.IsZero() {
		d.LastUsedAt = d.CreatedAt
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.TrustedDevice{}, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the user row so concurrent inserts for the same user count the
	// same set of devices.
	var locked string
	if err := tx.QueryRow(ctx, `
		select id::text from public.users where id = $1::uuid for update
	`, d.UserID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrustedDevice{}, store.ErrNotFound
		}
		return model.TrustedDevice{}, mapPgErr(err)
	}

	var count int
	if err := tx.QueryRow(ctx, `
		select count(*) from public.trusted_devices where user_id = $1::uuid
	`, d.UserID).Scan(&count); err != nil {
		return model.TrustedDevice{}, mapPgErr(err)
	}

	if excess := count - maxDevices + 1; excess > 0 {
		if _, err := tx.Exec(ctx, `
			delete from public.trusted_devices
			where id in (
				select id from public.trusted_devices
				where user_id = $1::uuid
				order by last_used_at asc
				limit $2
			)
		`, d.UserID, excess); err != nil {
			return model.TrustedDevice{}, mapPgErr(err)
		}
	}

	out, err := scanDevice(tx.QueryRow(ctx, `
		insert into public.trusted_devices (user_id, device_token, user_agent, ip_address, expires_at, last_used_at, created_at)
		values ($1::uuid, $2, $3, $4, $5, $6, $7)
		returning `+deviceColumns,
		d.UserID, d.DeviceToken, d.UserAgent, d.IPAddress, d.ExpiresAt, d.LastUsedAt, d.CreatedAt))
	if err != nil {
		return model.TrustedDevice{}, mapPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TrustedDevice{}, mapPgErr(err)
	}
	return *out, nil
}

func (s *Store) DeleteTrustedDevices(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		delete from public.trusted_devices
		where user_id = $1::uuid
	`, userID)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListTrustedDevices(ctx context.Context, userID string) ([]model.TrustedDevice, error) {
	rows, err := s.pool.Query(ctx, `
		select `+deviceColumns+`
		from public.trusted_devices
		where user_id = $1::uuid
		order by last_used_at desc
	`, userID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := []model.TrustedDevice{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr(err)
	}
	return out, nil
}

func scanDevice(row pgx.Row) (*model.TrustedDevice, error) {
	var d model.TrustedDevice
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.DeviceToken,
		&d.UserAgent,
		&d.IPAddress,
		&d.ExpiresAt,
		&d.LastUsedAt,
		&d.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}
