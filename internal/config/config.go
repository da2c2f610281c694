package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"lapancomido/api/internal/auth"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LPC"

type Config struct {
	Port        int
	Environment string

	DatabaseURL string
	AutoMigrate bool
	SQLitePath  string

	JWTSecret         string
	AccessTokenExpiry time.Duration

	ResendAPIKey    string
	ResendFromEmail string
	SMTPHost        string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	SMTPFrom        string

	OTPDigits         int
	OTPExpiry         time.Duration
	OTPMaxAttempts    int
	OTPBlockDuration  time.Duration
	DeviceExpiry      time.Duration
	MaxTrustedDevices int
	ResendCooldowns   []time.Duration

	AuthRateLimit  int
	AuthRateWindow time.Duration

	OTPRetentionDays       int
	RetentionIntervalHours int
}

// Load reads .env when present, then LPC_* environment variables.
func Load() Config {
	return load(".env")
}

func load(envFile string) Config {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[config] ignoring %s: %v", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		Port:        v.GetInt("port"),
		Environment: strings.ToLower(v.GetString("env")),

		DatabaseURL: v.GetString("database_url"),
		AutoMigrate: v.GetBool("auto_migrate"),
		SQLitePath:  v.GetString("sqlite_path"),

		JWTSecret:         v.GetString("jwt_secret"),
		AccessTokenExpiry: v.GetDuration("access_token_expiry"),

		ResendAPIKey:    v.GetString("resend_api_key"),
		ResendFromEmail: v.GetString("resend_from_email"),
		SMTPHost:        v.GetString("smtp_host"),
		SMTPPort:        v.GetInt("smtp_port"),
		SMTPUser:        v.GetString("smtp_user"),
		SMTPPassword:    v.GetString("smtp_password"),
		SMTPFrom:        v.GetString("smtp_from"),

		OTPDigits:         v.GetInt("otp_digits"),
		OTPExpiry:         v.GetDuration("otp_expiry"),
		OTPMaxAttempts:    v.GetInt("otp_max_attempts"),
		OTPBlockDuration:  v.GetDuration("otp_block_duration"),
		DeviceExpiry:      v.GetDuration("device_expiry"),
		MaxTrustedDevices: v.GetInt("max_trusted_devices"),

		AuthRateLimit:  v.GetInt("auth_rate_limit"),
		AuthRateWindow: v.GetDuration("auth_rate_window"),

		OTPRetentionDays:       v.GetInt("otp_retention_days"),
		RetentionIntervalHours: v.GetInt("retention_interval_hours"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8080
	}

	cooldowns, err := parseCooldowns(v.GetString("resend_cooldowns"))
	if err != nil {
		log.Printf("[config] LPC_RESEND_COOLDOWNS: %v, using defaults", err)
		cooldowns = auth.DefaultPolicy().ResendCooldowns
	}
	cfg.ResendCooldowns = cooldowns

	return cfg
}

func setDefaults(v *viper.Viper) {
	def := auth.DefaultPolicy()

	v.SetDefault("port", 8080)
	v.SetDefault("env", "development")
	v.SetDefault("auto_migrate", true)
	v.SetDefault("access_token_expiry", 8*time.Hour)
	v.SetDefault("smtp_port", 587)

	v.SetDefault("otp_digits", def.OTPDigits)
	v.SetDefault("otp_expiry", def.OTPExpiry)
	v.SetDefault("otp_max_attempts", def.MaxAttempts)
	v.SetDefault("otp_block_duration", def.BlockDuration)
	v.SetDefault("device_expiry", def.DeviceExpiry)
	v.SetDefault("max_trusted_devices", def.MaxTrustedDevices)
	v.SetDefault("resend_cooldowns", "0,15,30")

	v.SetDefault("auth_rate_limit", 20)
	v.SetDefault("auth_rate_window", 15*time.Minute)

	v.SetDefault("otp_retention_days", 7)
	v.SetDefault("retention_interval_hours", 24)
}

// parseCooldowns reads a comma separated list of seconds ("0,15,30").
func parseCooldowns(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid cooldown %q", part)
		}
		out = append(out, time.Duration(n)*time.Second)
	}
	if len(out) == 0 {
		return nil, errors.New("empty cooldown schedule")
	}
	return out, nil
}

func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) AuthPolicy() auth.Policy {
	p := auth.DefaultPolicy()
	p.OTPDigits = c.OTPDigits
	p.OTPExpiry = c.OTPExpiry
	p.MaxAttempts = c.OTPMaxAttempts
	p.BlockDuration = c.OTPBlockDuration
	p.DeviceExpiry = c.DeviceExpiry
	p.MaxTrustedDevices = c.MaxTrustedDevices
	p.ResendCooldowns = c.ResendCooldowns
	return p
}
