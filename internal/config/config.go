// Package config reads portal settings from the environment (and an
// optional .env file) and resolves the token signing secrets.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevelopmentSecret signs tokens when JWT_SECRET is unset outside
// production-like environments. Never accepted in production.
const DevelopmentSecret = "school-portal-development-secret-do-not-use-in-production"

var ErrMissingSecret = errors.New("missing required signing secret")

type Config struct {
	Environment string
	Port        string

	StateBackend string
	UserStore    string
	DatabaseURL  string
	RedisURL     string

	JWTSecret        string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	TokenClockSkew   time.Duration

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	MaxFailedAttempts    int
	LockoutDuration      time.Duration

	CronSecret    string
	SentryDSN     string
	RunMigrations bool

	// AdminEmail and AdminPassword, when both set, upsert a super_admin
	// account at startup.
	AdminEmail    string
	AdminPassword string
	AdminName     string
	DemoPassword  string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
}

type Options struct {
	LoadDotEnv bool
}

// Load reads configuration. Missing values fall back to defaults, except
// for the signing secret which is resolved by ResolveSecret.
func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("STATE_BACKEND", "memory")
	v.SetDefault("USER_STORE", "memory")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 15)
	v.SetDefault("REFRESH_TOKEN_TTL_HOURS", 168)
	v.SetDefault("TOKEN_CLOCK_SKEW_SECONDS", 30)
	v.SetDefault("LOGIN_RATE_LIMIT_MAX", 10)
	v.SetDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 600)
	v.SetDefault("MAX_FAILED_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION_MINUTES", 15)
	v.SetDefault("CRON_SECRET", "")
	v.SetDefault("SENTRY_DSN", "")
	v.SetDefault("RUN_MIGRATIONS_ON_STARTUP", false)
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)
	v.SetDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10)
	v.SetDefault("ADMIN_EMAIL", "")
	v.SetDefault("ADMIN_PASSWORD", "")
	v.SetDefault("ADMIN_NAME", "Administrator")
	v.SetDefault("DEMO_PASSWORD", "")
	v.AutomaticEnv()

	cfg := Config{
		Environment:          strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		Port:                 strings.TrimSpace(v.GetString("PORT")),
		StateBackend:         strings.ToLower(strings.TrimSpace(v.GetString("STATE_BACKEND"))),
		UserStore:            strings.ToLower(strings.TrimSpace(v.GetString("USER_STORE"))),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisURL:             strings.TrimSpace(v.GetString("REDIS_URL")),
		AccessTokenTTL:       time.Duration(positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 15)) * time.Minute,
		RefreshTokenTTL:      time.Duration(positiveOr(v.GetInt("REFRESH_TOKEN_TTL_HOURS"), 168)) * time.Hour,
		TokenClockSkew:       time.Duration(max(v.GetInt("TOKEN_CLOCK_SKEW_SECONDS"), 0)) * time.Second,
		LoginRateLimitMax:    positiveOr(v.GetInt("LOGIN_RATE_LIMIT_MAX"), 10),
		LoginRateLimitWindow: time.Duration(positiveOr(v.GetInt("LOGIN_RATE_LIMIT_WINDOW_SECONDS"), 600)) * time.Second,
		MaxFailedAttempts:    positiveOr(v.GetInt("MAX_FAILED_ATTEMPTS"), 5),
		LockoutDuration:      time.Duration(positiveOr(v.GetInt("LOCKOUT_DURATION_MINUTES"), 15)) * time.Minute,
		CronSecret:           strings.TrimSpace(v.GetString("CRON_SECRET")),
		SentryDSN:            strings.TrimSpace(v.GetString("SENTRY_DSN")),
		RunMigrations:        v.GetBool("RUN_MIGRATIONS_ON_STARTUP"),
		DBMaxOpenConns:       positiveOr(v.GetInt("DB_MAX_OPEN_CONNS"), 10),
		DBMaxIdleConns:       positiveOr(v.GetInt("DB_MAX_IDLE_CONNS"), 5),
		DBConnMaxLifetime:    time.Duration(positiveOr(v.GetInt("DB_CONN_MAX_LIFETIME_MINUTES"), 30)) * time.Minute,
		DBConnMaxIdleTime:    time.Duration(positiveOr(v.GetInt("DB_CONN_MAX_IDLE_TIME_MINUTES"), 10)) * time.Minute,
		AdminEmail:           strings.TrimSpace(v.GetString("ADMIN_EMAIL")),
		AdminPassword:        v.GetString("ADMIN_PASSWORD"),
		AdminName:            strings.TrimSpace(v.GetString("ADMIN_NAME")),
		DemoPassword:         v.GetString("DEMO_PASSWORD"),
	}

	accessSecret, err := ResolveSecret(cfg.Environment, v.GetString("JWT_SECRET"))
	if err != nil {
		return Config{}, fmt.Errorf("JWT_SECRET: %w", err)
	}
	cfg.JWTSecret = accessSecret
	cfg.JWTRefreshSecret = strings.TrimSpace(v.GetString("JWT_REFRESH_SECRET"))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ResolveSecret returns the configured secret. An empty value is fatal in
// production-like environments and replaced by DevelopmentSecret elsewhere.
func ResolveSecret(environment, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	if IsProductionLike(environment) {
		return "", ErrMissingSecret
	}
	return DevelopmentSecret, nil
}

func IsProductionLike(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "production", "prod", "staging":
		return true
	default:
		return false
	}
}

func (c Config) validate() error {
	switch c.StateBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("missing required env: DATABASE_URL")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("missing required env: REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}

	switch c.UserStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("missing required env: DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown USER_STORE %q", c.UserStore)
	}

	return nil
}

// NeedsDatabase reports whether any component is backed by Postgres.
func (c Config) NeedsDatabase() bool {
	return c.StateBackend == "postgres" || c.UserStore == "postgres"
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
