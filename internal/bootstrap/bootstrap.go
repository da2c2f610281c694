// Package bootstrap wires configuration into concrete stores and senders
// for the binaries under cmd/.
package bootstrap

import (
	"fmt"
	"log"

	"lapancomido/api/internal/config"
	"lapancomido/api/internal/mail"
	"lapancomido/api/internal/store"
	"lapancomido/api/internal/store/memory"
	"lapancomido/api/internal/store/postgres"
	"lapancomido/api/internal/store/sqlite"
)

// OpenStore picks postgres when a database URL is set, sqlite when a file
// path is set, and memory otherwise. The returned func releases it.
func OpenStore(cfg config.Config, logger *log.Logger) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pg, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		logger.Printf("using postgres store")
		return pg, pg.Close, nil

	case cfg.SQLitePath != "":
		lite, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		logger.Printf("using sqlite store at %s", cfg.SQLitePath)
		return lite, lite.Close, nil
	}

	logger.Printf("using memory store")
	return memory.NewStore(), func() {}, nil
}

// NewSender returns the configured mail provider, or nil when none is.
// Resend wins over SMTP when both are configured.
func NewSender(cfg config.Config) (mail.Sender, error) {
	if cfg.ResendAPIKey != "" {
		rs, err := mail.NewResendSender(cfg.ResendAPIKey, cfg.ResendFromEmail)
		if err != nil {
			return nil, err
		}
		return rs, nil
	}
	if cfg.SMTPHost != "" {
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}), nil
	}
	return nil, nil
}

// NewOTPMailer builds the mailer used by the HTTP API.
func NewOTPMailer(cfg config.Config, logger *log.Logger) (*mail.OTPMailer, error) {
	sender, err := NewSender(cfg)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		logger.Printf("[mail] no provider configured, otp delivery disabled")
	}
	return mail.NewOTPMailer(sender, cfg.IsProduction(), int(cfg.OTPExpiry.Minutes()), logger), nil
}
