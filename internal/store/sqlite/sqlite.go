// Package sqlite is a GORM backed store for single-node deployments.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	Username        string `gorm:"column:username;not null"`
	UsernameKey     string `gorm:"column:username_key;uniqueIndex;not null"`
	Email           string `gorm:"column:email;not null"`
	EmailKey        string `gorm:"column:email_key;uniqueIndex;not null"`
	Role            string `gorm:"column:role;not null;default:admin"`
	PasswordHash    string `gorm:"column:password_hash;not null;default:''"`
	OTPAttempts     int    `gorm:"column:otp_attempts;not null;default:0"`
	OTPBlockedUntil *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (userRow) TableName() string { return "users" }

type otpTokenRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	UserID     string    `gorm:"column:user_id;index:idx_otp_lookup,priority:1;not null"`
	HashedCode string    `gorm:"column:hashed_code;not null"`
	Purpose    string    `gorm:"column:purpose;index:idx_otp_lookup,priority:2;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
	Used       bool      `gorm:"column:used;index:idx_otp_lookup,priority:3;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

func (otpTokenRow) TableName() string { return "otp_tokens" }

type trustedDeviceRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	UserID      string    `gorm:"column:user_id;index:idx_devices_user_last_used,priority:1;not null"`
	DeviceToken string    `gorm:"column:device_token;uniqueIndex;not null"`
	UserAgent   string    `gorm:"column:user_agent;size:500"`
	IPAddress   string    `gorm:"column:ip_address"`
	ExpiresAt   time.Time `gorm:"column:expires_at;index;not null"`
	LastUsedAt  time.Time `gorm:"column:last_used_at;index:idx_devices_user_last_used,priority:2"`
	CreatedAt   time.Time
}

func (trustedDeviceRow) TableName() string { return "trusted_devices" }

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)
var _ store.Purger = (*Store)(nil)

// Open connects to the sqlite file at path and migrates the schema.
func Open(path string) (*Store, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "[gorm] ", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	// _txlock=immediate takes the write lock at BEGIN so read-then-write
	// transactions cannot interleave.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &otpTokenRow{}, &trustedDeviceRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *Store) PurgeOTPTokensBefore(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&otpTokenRow{})
	return int(res.RowsAffected), res.Error
}

func (s *Store) PurgeExpiredTrustedDevices(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&trustedDeviceRow{})
	return int(res.RowsAffected), res.Error
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return store.ErrConflict
	}
	return err
}

func (r userRow) toModel() model.User {
	return model.User{
		ID:              r.ID,
		Username:        r.Username,
		Email:           r.Email,
		Role:            model.Role(r.Role),
		PasswordHash:    r.PasswordHash,
		OTPAttempts:     r.OTPAttempts,
		OTPBlockedUntil: r.OTPBlockedUntil,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r otpTokenRow) toModel() model.OTPToken {
	return model.OTPToken{
		ID:         r.ID,
		UserID:     r.UserID,
		HashedCode: r.HashedCode,
		Purpose:    model.OTPPurpose(r.Purpose),
		ExpiresAt:  r.ExpiresAt,
		Used:       r.Used,
		CreatedAt:  r.CreatedAt,
	}
}

func (r trustedDeviceRow) toModel() model.TrustedDevice {
	return model.TrustedDevice{
		ID:          r.ID,
		UserID:      r.UserID,
		DeviceToken: r.DeviceToken,
		UserAgent:   r.UserAgent,
		IPAddress:   r.IPAddress,
		ExpiresAt:   r.ExpiresAt,
		LastUsedAt:  r.LastUsedAt,
		CreatedAt:   r.CreatedAt,
	}
}
