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
// built-in defaults, applies PREAUTHLEND_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PREAUTHLEND_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREAUTHLEND_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PREAUTHLEND_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREAUTHLEND_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREAUTHLEND_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREAUTHLEND_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREAUTHLEND_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREAUTHLEND_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREAUTHLEND_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREAUTHLEND_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PREAUTHLEND_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PREAUTHLEND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREAUTHLEND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREAUTHLEND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREAUTHLEND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREAUTHLEND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREAUTHLEND_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.SnapshotTTLSecs, "PREAUTHLEND_REDIS_SNAPSHOT_TTL_SECS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PREAUTHLEND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREAUTHLEND_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREAUTHLEND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREAUTHLEND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREAUTHLEND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREAUTHLEND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREAUTHLEND_S3_FORCE_PATH_STYLE")

	// ── Hold processor ──
	setStr(&cfg.HoldProc.BaseURL, "PREAUTHLEND_HOLDPROC_BASE_URL")
	setStr(&cfg.HoldProc.ApiKey, "PREAUTHLEND_HOLDPROC_API_KEY")
	setStr(&cfg.HoldProc.ApiSecret, "PREAUTHLEND_HOLDPROC_API_SECRET")
	setDuration(&cfg.HoldProc.Timeout, "PREAUTHLEND_HOLDPROC_TIMEOUT")

	// ── Chain ──
	setStr(&cfg.Chain.RpcURL, "PREAUTHLEND_CHAIN_RPC_URL")
	setStr(&cfg.Chain.PoolAddress, "PREAUTHLEND_CHAIN_POOL_ADDRESS")
	setDuration(&cfg.Chain.Timeout, "PREAUTHLEND_CHAIN_TIMEOUT")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.PollInterval, "PREAUTHLEND_RECONCILE_POLL_INTERVAL")
	setDuration(&cfg.Reconcile.MinFetchGap, "PREAUTHLEND_RECONCILE_MIN_FETCH_GAP")
	setDuration(&cfg.Reconcile.SwitchDebounce, "PREAUTHLEND_RECONCILE_SWITCH_DEBOUNCE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PREAUTHLEND_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PREAUTHLEND_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.MinAge, "PREAUTHLEND_ARCHIVE_MIN_AGE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PREAUTHLEND_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PREAUTHLEND_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREAUTHLEND_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREAUTHLEND_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "PREAUTHLEND_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREAUTHLEND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREAUTHLEND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREAUTHLEND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREAUTHLEND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREAUTHLEND_MODE")
	setStr(&cfg.LogLevel, "PREAUTHLEND_LOG_LEVEL")
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
