// Package config loads process settings for the settlement server.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/parimutuel-engine/internal/program"
)

// Config is the root configuration document.
type Config struct {
	LogLevel string `toml:"log_level"`

	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`
	Engine   EngineConfig   `toml:"engine"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Program  ProgramConfig  `toml:"program"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	// DevEndpoints mounts admin-only routes that fund ledger accounts and
	// publish prices to the in-memory oracle.
	DevEndpoints bool `toml:"dev_endpoints"`
}

// PostgresConfig selects the durable record store. An empty URL keeps
// records in memory.
type PostgresConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through record cache, distributed round
// locks and the Redis price oracle. An empty URL disables all three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	Oracle   bool     `toml:"oracle"`
}

// NATSConfig enables JetStream event publishing when URL is set.
type NATSConfig struct {
	URL          string   `toml:"url"`
	StreamMaxAge duration `toml:"stream_max_age"`
	Buffer       int      `toml:"buffer"`
}

type EngineConfig struct {
	LockTTL duration `toml:"lock_ttl"`
}

type KeeperConfig struct {
	Enabled     bool     `toml:"enabled"`
	Signer      string   `toml:"signer"`
	AdminSigner string   `toml:"admin_signer"`
	Interval    duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
}

// ProgramConfig bootstraps the program on first start. It is ignored when
// Admin is empty or the program is already initialized.
type ProgramConfig struct {
	Admin                     string   `toml:"admin"`
	Treasury                  string   `toml:"treasury"`
	Keepers                   []string `toml:"keepers"`
	SingleAssetFeeBps         uint16   `toml:"single_asset_fee_bps"`
	GroupBattleFeeBps         uint16   `toml:"group_battle_fee_bps"`
	MinBetAmount              uint64   `toml:"min_bet_amount"`
	BetCutoffWindow           duration `toml:"bet_cutoff_window"`
	MinTimeFactorBps          uint16   `toml:"min_time_factor_bps"`
	MaxTimeFactorBps          uint16   `toml:"max_time_factor_bps"`
	DefaultDirectionFactorBps uint16   `toml:"default_direction_factor_bps"`
	MaxPriceAge               duration `toml:"max_price_age"`
}

// Params converts the bootstrap section.
func (p ProgramConfig) Params() program.Params {
	return program.Params{
		Admin:                     p.Admin,
		Treasury:                  p.Treasury,
		Keepers:                   p.Keepers,
		SingleAssetFeeBps:         p.SingleAssetFeeBps,
		GroupBattleFeeBps:         p.GroupBattleFeeBps,
		MinBetAmount:              p.MinBetAmount,
		BetCutoffWindow:           p.BetCutoffWindow.Duration,
		MinTimeFactorBps:          p.MinTimeFactorBps,
		MaxTimeFactorBps:          p.MaxTimeFactorBps,
		DefaultDirectionFactorBps: p.DefaultDirectionFactorBps,
		MaxPriceAge:               p.MaxPriceAge.Duration,
	}
}

// duration decodes TOML strings like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a config that runs fully in memory.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
			DevEndpoints:    true,
		},
		Postgres: PostgresConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		NATS:     NATSConfig{StreamMaxAge: duration{7 * 24 * time.Hour}, Buffer: 1024},
		Engine:   EngineConfig{LockTTL: duration{30 * time.Second}},
		Keeper: KeeperConfig{
			Interval:    duration{5 * time.Second},
			Concurrency: 4,
		},
		Program: ProgramConfig{
			SingleAssetFeeBps:         500,
			GroupBattleFeeBps:         500,
			MinBetAmount:              1_000_000,
			BetCutoffWindow:           duration{5 * time.Minute},
			MinTimeFactorBps:          2_000,
			MaxTimeFactorBps:          10_000,
			DefaultDirectionFactorBps: 10_000,
			MaxPriceAge:               duration{time.Minute},
		},
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate checks c for invalid or missing values.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if !c.Redis.Oracle && !c.Server.DevEndpoints {
		errs = append(errs, "server: dev_endpoints must be on when redis.oracle is off, or no prices can be published")
	}
	if c.Redis.Oracle && c.Redis.URL == "" {
		errs = append(errs, "redis: oracle requires url")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.NATS.URL != "" && c.NATS.Buffer < 1 {
		errs = append(errs, "nats: buffer must be >= 1")
	}

	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be positive")
	}

	if c.Keeper.Enabled {
		if c.Keeper.Signer == "" {
			errs = append(errs, "keeper: signer is required when enabled")
		}
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be positive")
		}
		if c.Keeper.Concurrency < 1 {
			errs = append(errs, "keeper: concurrency must be >= 1")
		}
	}

	if c.Program.Admin != "" {
		if c.Program.Treasury == "" {
			errs = append(errs, "program: treasury is required with admin")
		}
		if len(c.Program.Keepers) == 0 {
			errs = append(errs, "program: at least one keeper is required with admin")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
