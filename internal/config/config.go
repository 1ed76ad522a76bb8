// Package config defines the top-level configuration for the preauthlend
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREAUTHLEND_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	HoldProc  HoldProcConfig  `toml:"holdproc"`
	Chain     ChainConfig     `toml:"chain"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	SnapshotTTLSecs int    `toml:"snapshot_ttl_secs"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// HoldProcConfig holds the payment-hold processor API parameters.
type HoldProcConfig struct {
	BaseURL   string   `toml:"base_url"`
	ApiKey    string   `toml:"api_key"`
	ApiSecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// ChainConfig holds the JSON-RPC endpoint and margin pool contract address
// used to read position state.
type ChainConfig struct {
	RpcURL      string   `toml:"rpc_url"`
	PoolAddress string   `toml:"pool_address"`
	Timeout     duration `toml:"timeout"`
}

// ReconcileConfig holds the position reconciliation loop parameters.
type ReconcileConfig struct {
	// PollInterval is the background refresh cadence while a position is active.
	PollInterval duration `toml:"poll_interval"`
	// MinFetchGap is the minimum time between two attempted refreshes for a
	// wallet, foreground or background.
	MinFetchGap duration `toml:"min_fetch_gap"`
	// SwitchDebounce is the settle time applied to observed-wallet changes.
	SwitchDebounce duration `toml:"switch_debounce"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// MinAge keeps recently settled loans out of the export.
	MinAge duration `toml:"min_age"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "12s", "100ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "preauthlend",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			DB:              0,
			PoolSize:        20,
			MaxRetries:      3,
			SnapshotTTLSecs: 60,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "preauthlend-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		HoldProc: HoldProcConfig{
			BaseURL: "https://api.holdproc.example.com",
			Timeout: duration{30 * time.Second},
		},
		Chain: ChainConfig{
			RpcURL:  "https://polygon-rpc.com",
			Timeout: duration{15 * time.Second},
		},
		Reconcile: ReconcileConfig{
			PollInterval:   duration{12 * time.Second},
			MinFetchGap:    duration{5 * time.Second},
			SwitchDebounce: duration{100 * time.Millisecond},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{24 * time.Hour},
			MinAge:   duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"loan_charged", "loan_released", "upstream_rejected"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"demo":      true,
	"reconcile": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var problems []string

	if !validModes[strings.ToLower(c.Mode)] {
		problems = append(problems, fmt.Sprintf("mode: unsupported value %q", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		problems = append(problems, fmt.Sprintf("log_level: unsupported value %q", c.LogLevel))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server.port: out of range %d", c.Server.Port))
	}
	if c.Reconcile.PollInterval.Duration <= 0 {
		problems = append(problems, "reconcile.poll_interval: must be positive")
	}
	if c.Reconcile.MinFetchGap.Duration <= 0 {
		problems = append(problems, "reconcile.min_fetch_gap: must be positive")
	}
	if c.Reconcile.MinFetchGap.Duration > c.Reconcile.PollInterval.Duration {
		problems = append(problems, "reconcile.min_fetch_gap: must not exceed poll_interval")
	}
	if c.Reconcile.SwitchDebounce.Duration < 0 {
		problems = append(problems, "reconcile.switch_debounce: must not be negative")
	}

	mode := strings.ToLower(c.Mode)
	if mode != "demo" {
		if c.HoldProc.BaseURL == "" {
			problems = append(problems, "holdproc.base_url: required outside demo mode")
		}
		if c.HoldProc.ApiKey == "" || c.HoldProc.ApiSecret == "" {
			problems = append(problems, "holdproc: api_key and api_secret required outside demo mode")
		}
		if c.Chain.RpcURL == "" {
			problems = append(problems, "chain.rpc_url: required outside demo mode")
		}
		if c.Chain.PoolAddress == "" {
			problems = append(problems, "chain.pool_address: required outside demo mode")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			problems = append(problems, "s3.bucket: required when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			problems = append(problems, "archive.interval: must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
