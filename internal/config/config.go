// Package config loads the process-start configuration for the
// execution core: exchange adapter selection and credentials, data
// directory layout, and operator-surface secrets. It never touches the
// strategy document itself — that file is hot-reloaded separately by
// internal/strategy's file watcher.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ExchangeKind selects which Adapter implementation the process wires
// up. It is read once at startup and never changes during a process
// lifetime; switching venues means restarting the process.
type ExchangeKind string

const (
	ExchangePaper       ExchangeKind = "paper"
	ExchangeBinance     ExchangeKind = "binance"
	ExchangeBybit       ExchangeKind = "bybit"
	ExchangeKraken      ExchangeKind = "kraken"
	ExchangeHyperliquid ExchangeKind = "hyperliquid"
	ExchangeLighter     ExchangeKind = "lighter"
)

// ExchangeConfig holds every credential and endpoint hint an adapter
// might need. Unused fields for a given Kind are left zero.
type ExchangeConfig struct {
	Kind ExchangeKind `mapstructure:"kind"`

	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`

	// WalletPrivateKeyHex signs orders for the wallet-based venues
	// (Hyperliquid, Lighter) instead of an HMAC secret.
	WalletPrivateKeyHex string `mapstructure:"wallet_private_key_hex"`
	LighterAccountID    int64  `mapstructure:"lighter_account_id"`

	MaxReconnectBackoff time.Duration `mapstructure:"max_reconnect_backoff"`
}

// DataConfig locates the durable state files every component persists
// atomically (positions, trades, failure count, safe mode, operation
// mode, event log, audit database).
type DataConfig struct {
	Dir              string `mapstructure:"dir"`
	EventLogRotation bool   `mapstructure:"event_log_rotation"`
}

// ArchiveConfig optionally mirrors rotated event log files to S3.
// Disabled by default; the local NDJSON file is always the durable
// record regardless of this setting.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// StrategyConfig points at the hot-reloaded strategy document and its
// debounce window. This is the only strategy-related setting this
// layer owns; the document's contents are never cached here.
type StrategyConfig struct {
	Path           string        `mapstructure:"path"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
}

// OperatorConfig holds the Operator Surface's auth material.
type OperatorConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TOTPSecret  string        `mapstructure:"totp_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// Config is the top-level process configuration.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Data     DataConfig     `mapstructure:"data"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Operator OperatorConfig `mapstructure:"operator"`

	ValidityCheckIntervalSec int `mapstructure:"validity_check_interval_sec"`
}

// Default returns a Config with paper-mode, local-filesystem defaults
// suitable for a fresh checkout.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{Kind: ExchangePaper},
		Data: DataConfig{
			Dir:              "./data",
			EventLogRotation: true,
		},
		Strategy: StrategyConfig{
			Path:           "./strategy.json",
			ReloadDebounce: 2 * time.Second,
		},
		Operator: OperatorConfig{
			TokenTTL: 12 * time.Hour,
		},
		ValidityCheckIntervalSec: 5,
	}
}

// Load reads configuration from an optional YAML file at path (if it
// exists) layered under EXECUTION_* environment variables, with a
// .env file (if present) loaded first so local development doesn't
// need exported shell variables. Secrets always come from the
// environment, never the YAML file, so the file is safe to commit.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXECUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Secrets are read from an environment-only viper instance, so any
	// value under these keys in the YAML file is discarded.
	env := viper.New()
	env.SetEnvPrefix("EXECUTION")
	env.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	env.AutomaticEnv()
	cfg.Exchange.APIKey = env.GetString("exchange.api_key")
	cfg.Exchange.APISecret = env.GetString("exchange.api_secret")
	cfg.Exchange.WalletPrivateKeyHex = env.GetString("exchange.wallet_private_key_hex")
	cfg.Operator.JWTSecret = env.GetString("operator.jwt_secret")
	cfg.Operator.TOTPSecret = env.GetString("operator.totp_secret")

	return cfg, cfg.Validate()
}

// Validate checks that the selected exchange kind carries the
// credentials it needs and that the operator surface has usable auth
// material. It does not validate the strategy document — that's the
// Strategy Service's job on load.
func (c Config) Validate() error {
	switch c.Exchange.Kind {
	case ExchangePaper:
	case ExchangeBinance, ExchangeBybit, ExchangeKraken:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("config: exchange.kind=%s requires api_key and api_secret", c.Exchange.Kind)
		}
	case ExchangeHyperliquid, ExchangeLighter:
		if c.Exchange.WalletPrivateKeyHex == "" {
			return fmt.Errorf("config: exchange.kind=%s requires wallet_private_key_hex", c.Exchange.Kind)
		}
	default:
		return fmt.Errorf("config: unknown exchange.kind %q", c.Exchange.Kind)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.enabled requires archive.bucket")
	}

	if c.Operator.JWTSecret == "" {
		return fmt.Errorf("config: operator.jwt_secret is required (set EXECUTION_OPERATOR_JWT_SECRET)")
	}

	return nil
}
