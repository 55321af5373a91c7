package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORACLEPOOL_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets at deploy time without
// touching the TOML file. Only non-empty variables override.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Storage.Driver, "ORACLEPOOL_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORACLEPOOL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ORACLEPOOL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORACLEPOOL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORACLEPOOL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORACLEPOOL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORACLEPOOL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORACLEPOOL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORACLEPOOL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORACLEPOOL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLEPOOL_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.SQLite.Path, "ORACLEPOOL_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORACLEPOOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORACLEPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLEPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLEPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLEPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLEPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLEPOOL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORACLEPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLEPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLEPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLEPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLEPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLEPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLEPOOL_S3_FORCE_PATH_STYLE")

	// ── Oracle ──
	setStr(&cfg.Oracle.DefaultEndpoint, "ORACLEPOOL_ORACLE_DEFAULT_ENDPOINT")
	setStr(&cfg.Oracle.APIKey, "ORACLEPOOL_ORACLE_API_KEY")
	setDuration(&cfg.Oracle.Timeout, "ORACLEPOOL_ORACLE_TIMEOUT")
	setBool(&cfg.Oracle.VerifySignatures, "ORACLEPOOL_ORACLE_VERIFY_SIGNATURES")
	setStringSlice(&cfg.Oracle.AllowedSigners, "ORACLEPOOL_ORACLE_ALLOWED_SIGNERS")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "ORACLEPOOL_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.BatchSize, "ORACLEPOOL_KEEPER_BATCH_SIZE")
	setDuration(&cfg.Keeper.LockTTL, "ORACLEPOOL_KEEPER_LOCK_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORACLEPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLEPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORACLEPOOL_SERVER_API_KEY")
	setDuration(&cfg.Server.RequestTTL, "ORACLEPOOL_SERVER_REQUEST_TTL")
	setInt64(&cfg.Server.MaxBodyBytes, "ORACLEPOOL_SERVER_MAX_BODY_BYTES")
	setInt(&cfg.Server.RateLimit, "ORACLEPOOL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "ORACLEPOOL_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLEPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLEPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLEPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLEPOOL_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORACLEPOOL_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Prefix, "ORACLEPOOL_ARCHIVE_PREFIX")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLEPOOL_MODE")
	setStr(&cfg.LogLevel, "ORACLEPOOL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
