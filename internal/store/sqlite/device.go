package sqlite

import (
	"context"
	"time"

	"lapancomido/api/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) TouchTrustedDevice(ctx context.Context, userID, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&trustedDeviceRow{}).
		Where("user_id = ? AND device_token = ? AND expires_at > ?", userID, token, now.UTC()).
		Update("last_used_at", now.UTC())
	if res.Error != nil {
		return false, mapErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) AddTrustedDevice(ctx context.Context, d model.TrustedDevice, maxDevices int) (model.TrustedDevice, error) {
	now := time.Now().UTC()
	row := trustedDeviceRow{
		ID:          uuid.NewString(),
		UserID:      d.UserID,
		DeviceToken: d.DeviceToken,
		UserAgent:   d.UserAgent,
		IPAddress:   d.IPAddress,
		ExpiresAt:   d.ExpiresAt.UTC(),
		LastUsedAt:  d.LastUsedAt.UTC(),
		CreatedAt:   d.CreatedAt.UTC(),
	}
	if d.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if d.LastUsedAt.IsZero() {
		row.LastUsedAt = row.CreatedAt
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, d.UserID); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&trustedDeviceRow{}).Where("user_id = ?", d.UserID).Count(&count).Error; err != nil {
			return err
		}

		if excess := int(count) - maxDevices + 1; excess > 0 {
			var oldest []string
			if err := tx.Model(&trustedDeviceRow{}).
				Where("user_id = ?", d.UserID).
				Order("last_used_at asc").
				Limit(excess).
				Pluck("id", &oldest).Error; err != nil {
				return err
			}
			if len(oldest) > 0 {
				if err := tx.Where("id IN ?", oldest).Delete(&trustedDeviceRow{}).Error; err != nil {
					return err
				}
			}
		}

		return tx.Create(&row).Error
	})
	if err != nil {
		return model.TrustedDevice{}, mapErr(err)
	}
	return row.toModel(), nil
}

func (s *Store) DeleteTrustedDevices(ctx context.Context, userID string) (int, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&trustedDeviceRow{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) ListTrustedDevices(ctx context.Context, userID string) ([]model.TrustedDevice, error) {
	var rows []trustedDeviceRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_used_at desc").
		Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.TrustedDevice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
