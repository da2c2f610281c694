package sqlite

import (
	"context"
	"errors"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) IssueOTPToken(ctx context.Context, tok model.OTPToken) (model.OTPToken, error) {
	row := otpTokenRow{
		ID:         uuid.NewString(),
		UserID:     tok.UserID,
		HashedCode: tok.HashedCode,
		Purpose:    string(tok.Purpose),
		ExpiresAt:  tok.ExpiresAt.UTC(),
		Used:       false,
		CreatedAt:  tok.CreatedAt.UTC(),
	}
	if tok.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, tok.UserID); err != nil {
			return err
		}
		if err := tx.Model(&otpTokenRow{}).
			Where("user_id = ? AND purpose = ? AND used = ?", tok.UserID, string(tok.Purpose), false).
			Update("used", true).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return model.OTPToken{}, mapErr(err)
	}
	return row.toModel(), nil
}

func (s *Store) LatestActiveOTPToken(ctx context.Context, userID string, purpose model.OTPPurpose, now time.Time) (*model.OTPToken, error) {
	var row otpTokenRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND purpose = ? AND used = ? AND expires_at > ?", userID, string(purpose), false, now.UTC()).
		Order("created_at desc").
		Order("rowid desc").
		First(&row).Error
	if err != nil {
		return nil, mapErr(err)
	}
	t := row.toModel()
	return &t, nil
}

func (s *Store) ConsumeOTPToken(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&otpTokenRow{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ResetOTPAttempts(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"otp_attempts":      0,
			"otp_blocked_until": nil,
		})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordOTPFailure(ctx context.Context, userID string, maxAttempts int, blockUntil, now time.Time) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&userRow{}).
			Where("id = ? AND (otp_blocked_until IS NULL OR otp_blocked_until <= ?)", userID, now.UTC()).
			Updates(map[string]any{
				"otp_attempts":      gorm.Expr("CASE WHEN otp_attempts + 1 >= ? THEN 0 ELSE otp_attempts + 1 END", maxAttempts),
				"otp_blocked_until": gorm.Expr("CASE WHEN otp_attempts + 1 >= ? THEN ? ELSE otp_blocked_until END", maxAttempts, blockUntil.UTC()),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := userExists(tx, userID); err != nil {
				return err
			}
			return store.ErrConflict
		}

		var row userRow
		if err := tx.Select("otp_attempts").Where("id = ?", userID).First(&row).Error; err != nil {
			return err
		}
		attempts = row.OTPAttempts
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		return 0, mapErr(err)
	}
	return attempts, nil
}
