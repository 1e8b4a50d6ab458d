// Package config loads process settings from an optional YAML file and
// ADFUNDS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const EnvPrefix = "ADFUNDS"

type Config struct {
	HTTPAddr      string        `mapstructure:"http_addr"`
	GRPCAddr      string        `mapstructure:"grpc_addr"`
	LogLevel      string        `mapstructure:"log_level"`
	PlanCatalog   string        `mapstructure:"plan_catalog"`
	Database      Database      `mapstructure:"database"`
	Redis         Redis         `mapstructure:"redis"`
	Auth          Auth          `mapstructure:"auth"`
	Ledger        Ledger        `mapstructure:"ledger"`
	Impersonation Impersonation `mapstructure:"impersonation"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
}

// Database selects the Postgres backend. An empty DSN runs in memory.
type Database struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Redis enables cross-instance event fan-out when Addr is set.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Auth struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Ledger struct {
	MinRetainedBalance int64 `mapstructure:"min_retained_balance"`
	ChargeTransferFee  bool  `mapstructure:"charge_transfer_fee"`
}

type Impersonation struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

var ErrInvalid = errors.New("config: invalid")

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("plan_catalog", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "adfunds:events:")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "adfunds")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("ledger.min_retained_balance", 0)
	v.SetDefault("ledger.charge_transfer_fee", false)
	v.SetDefault("impersonation.default_duration", 30*time.Minute)
	v.SetDefault("impersonation.max_duration", 4*time.Hour)
	v.SetDefault("impersonation.sweep_schedule", "@every 1m")
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
}

// Load reads path when non-empty, then applies ADFUNDS_* overrides such as
// ADFUNDS_DATABASE_DSN or ADFUNDS_IMPERSONATION_MAX_DURATION.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Ledger.MinRetainedBalance < 0 {
		errs = append(errs, errors.New("ledger.min_retained_balance must be >= 0"))
	}
	if c.Impersonation.DefaultDuration <= 0 {
		errs = append(errs, errors.New("impersonation.default_duration must be positive"))
	}
	if c.Impersonation.MaxDuration < c.Impersonation.DefaultDuration {
		errs = append(errs, errors.New("impersonation.max_duration must be >= default_duration"))
	}
	if _, err := cron.ParseStandard(c.Impersonation.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("impersonation.sweep_schedule: %v", err))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// InMemory reports whether no database is configured.
func (c Config) InMemory() bool { return c.Database.DSN == "" }
