package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies PME_*
// environment overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PME_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PME_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setDuration(&cfg.Server.RequestTimeout, "PME_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PME_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "PME_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.DevEndpoints, "PME_SERVER_DEV_ENDPOINTS")

	setStr(&cfg.Postgres.URL, "PME_POSTGRES_URL")
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setBool(&cfg.Postgres.RunMigrations, "PME_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "PME_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PME_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.Oracle, "PME_REDIS_ORACLE")

	setStr(&cfg.NATS.URL, "PME_NATS_URL")
	setDuration(&cfg.NATS.StreamMaxAge, "PME_NATS_STREAM_MAX_AGE")
	setInt(&cfg.NATS.Buffer, "PME_NATS_BUFFER")

	setDuration(&cfg.Engine.LockTTL, "PME_ENGINE_LOCK_TTL")

	setBool(&cfg.Keeper.Enabled, "PME_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Signer, "PME_KEEPER_SIGNER")
	setStr(&cfg.Keeper.AdminSigner, "PME_KEEPER_ADMIN_SIGNER")
	setDuration(&cfg.Keeper.Interval, "PME_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.Concurrency, "PME_KEEPER_CONCURRENCY")

	setStr(&cfg.Program.Admin, "PME_PROGRAM_ADMIN")
	setStr(&cfg.Program.Treasury, "PME_PROGRAM_TREASURY")
	setStringSlice(&cfg.Program.Keepers, "PME_PROGRAM_KEEPERS")
}

// Each helper only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
