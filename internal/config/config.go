// Package config defines the top-level configuration for the mean-reversion
// trading system and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYREV_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Api        ApiConfig        `toml:"api"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Risk       RiskConfig       `toml:"risk"`
	Trading    TradingConfig    `toml:"trading"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Ingest     IngestConfig     `toml:"ingest"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used for order signing.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	FunderAddress    string `toml:"funder_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	DataHost      string `toml:"data_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// ApiConfig holds CLOB L2 API credentials.
type ApiConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// StrategyConfig holds the mean-reversion entry and exit parameters. One
// strategy core runs all variants; Name selects which parameter set a worker
// reads and writes under.
type StrategyConfig struct {
	Name string `toml:"name"`

	// Entry signal.
	DislocationThreshold float64  `toml:"dislocation_threshold"`
	MaxDislocation       float64  `toml:"max_dislocation"`
	MinPrice             float64  `toml:"min_price"`
	MaxPrice             float64  `toml:"max_price"`
	AvgWindow            duration `toml:"avg_window"`
	AvgFallbackWindow    duration `toml:"avg_fallback_window"`
	PriceStaleAfter      duration `toml:"price_stale_after"`

	// Exit thresholds, fractions of entry price.
	TakeProfit float64  `toml:"take_profit"`
	StopLoss   float64  `toml:"stop_loss"`
	HardStop   float64  `toml:"hard_stop"`
	MaxHold    duration `toml:"max_hold"`

	// Sizing and caps.
	BasePositionUSD  float64  `toml:"base_position_usd"`
	MaxPositionUSD   float64  `toml:"max_position_usd"`
	MaxOpenPositions int      `toml:"max_open_positions"`
	MaxPerPair       int      `toml:"max_per_pair"`
	MarketCooldown   duration `toml:"market_cooldown"`
	MaxLossStreak    int      `toml:"max_loss_streak"`
	DailyLossLimit   float64  `toml:"daily_loss_limit"`
	Slippage         float64  `toml:"slippage"`

	// Universe selection.
	TopMarkets       int      `toml:"top_markets"`
	MinVolume24hUSD  float64  `toml:"min_volume_24h_usd"`
	VolumeWindow     duration `toml:"volume_window"`
	ExcludedTags     []string `toml:"excluded_tags"`
	ExcludedKeywords []string `toml:"excluded_keywords"`
	RequireQuestion  bool     `toml:"require_question"`
	// MinTimeToResolve excludes markets resolving sooner than this; zero
	// disables the check.
	MinTimeToResolve duration `toml:"min_time_to_resolve"`
}

// RiskConfig holds the per-market risk state machine parameters.
type RiskConfig struct {
	// DrawdownFraction times BasePositionUSD is the equity drawdown that
	// permanently bans a market.
	DrawdownFraction float64 `toml:"drawdown_fraction"`
	// StaleBanFor is how long a stale-price temporary ban lasts.
	StaleBanFor duration `toml:"stale_ban_for"`
}

// TradingConfig holds the live-execution safety gate and order submission
// limits. LiveEnabled must be affirmatively true before any worker places or
// cancels real orders; everything else runs paper.
type TradingConfig struct {
	LiveEnabled        bool     `toml:"live_enabled"`
	MaxOrderUSD        float64  `toml:"max_order_usd"`
	MinNotionalUSD     float64  `toml:"min_notional_usd"`
	SubmitCooldown     duration `toml:"submit_cooldown"`
	OneActivePerMarket bool     `toml:"one_active_per_market"`
}

// PipelineConfig holds per-worker poll intervals and batch limits.
type PipelineConfig struct {
	ScanInterval      duration `toml:"scan_interval"`
	MonitorInterval   duration `toml:"monitor_interval"`
	RiskInterval      duration `toml:"risk_interval"`
	IntentInterval    duration `toml:"intent_interval"`
	IntentBatch       int      `toml:"intent_batch"`
	SellInterval      duration `toml:"sell_interval"`
	SellBatch         int      `toml:"sell_batch"`
	SettleInterval    duration `toml:"settle_interval"`
	SettleBatch       int      `toml:"settle_batch"`
	SubmitInterval    duration `toml:"submit_interval"`
	CancelInterval    duration `toml:"cancel_interval"`
	CancelBatch       int      `toml:"cancel_batch"`
	FillCheckInterval duration `toml:"fill_check_interval"`
	OpenerInterval    duration `toml:"opener_interval"`
	// EntryMatchWindow bounds how far from a position's entry time the
	// seller searches for an unlinked matched buy order.
	EntryMatchWindow  duration `toml:"entry_match_window"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
}

// IngestConfig holds market-data ingestion parameters.
type IngestConfig struct {
	Enabled               bool     `toml:"enabled"`
	MarketRefreshInterval duration `toml:"market_refresh_interval"`
	TradeFlushSize        int      `toml:"trade_flush_size"`
	TradeFlushInterval    duration `toml:"trade_flush_interval"`
}

// ReconcileConfig holds venue-reconciliation parameters.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
	// SizeDrift is the absolute share difference above which a position's
	// recorded size is overwritten from venue holdings.
	SizeDrift float64  `toml:"size_drift"`
	LockTTL   duration `toml:"lock_ttl"`
}

// ArchiveConfig holds cold-archive parameters for the trade log.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			DataHost:      "https://data-api.polymarket.com",
			WsHost:        "wss://ws-live-data.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyrev-data",
			ForcePathStyle: true,
		},
		Strategy: StrategyConfig{
			Name:                 "mean_reversion_v1",
			DislocationThreshold: 0.20,
			MaxDislocation:       0.45,
			MinPrice:             0.05,
			MaxPrice:             0.95,
			AvgWindow:            duration{18 * time.Hour},
			AvgFallbackWindow:    duration{72 * time.Hour},
			PriceStaleAfter:      duration{time.Hour},
			TakeProfit:           0.15,
			StopLoss:             0.15,
			HardStop:             0.20,
			MaxHold:              duration{12 * time.Hour},
			BasePositionUSD:      100,
			MaxPositionUSD:       200,
			MaxOpenPositions:     10,
			MaxPerPair:           1,
			MarketCooldown:       duration{10 * time.Minute},
			MaxLossStreak:        4,
			DailyLossLimit:       1000,
			Slippage:             0.01,
			TopMarkets:           50,
			MinVolume24hUSD:      10_000,
			VolumeWindow:         duration{24 * time.Hour},
			ExcludedTags:         []string{"sports", "nfl", "nba", "soccer", "mlb", "hockey"},
			ExcludedKeywords:     []string{},
			RequireQuestion:      false,
		},
		Risk: RiskConfig{
			DrawdownFraction: 0.75,
			StaleBanFor:      duration{30 * time.Minute},
		},
		Trading: TradingConfig{
			LiveEnabled:        false,
			MaxOrderUSD:        2,
			MinNotionalUSD:     1.05,
			SubmitCooldown:     duration{30 * time.Second},
			OneActivePerMarket: true,
		},
		Pipeline: PipelineConfig{
			ScanInterval:      duration{10 * time.Second},
			MonitorInterval:   duration{10 * time.Second},
			RiskInterval:      duration{10 * time.Second},
			IntentInterval:    duration{2 * time.Second},
			IntentBatch:       25,
			SellInterval:      duration{2 * time.Second},
			SellBatch:         50,
			SettleInterval:    duration{2 * time.Second},
			SettleBatch:       50,
			SubmitInterval:    duration{2 * time.Second},
			CancelInterval:    duration{2 * time.Second},
			CancelBatch:       10,
			FillCheckInterval: duration{10 * time.Second},
			OpenerInterval:    duration{5 * time.Second},
			EntryMatchWindow:  duration{time.Hour},
			HeartbeatInterval: duration{30 * time.Second},
		},
		Ingest: IngestConfig{
			Enabled:               true,
			MarketRefreshInterval: duration{5 * time.Minute},
			TradeFlushSize:        200,
			TradeFlushInterval:    duration{5 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:  duration{5 * time.Minute},
			SizeDrift: 0.5,
			LockTTL:   duration{2 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			BatchSize:     5000,
		},
		Notify: NotifyConfig{
			Events: []string{"market_banned", "market_kill", "daily_breaker", "position_closed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"scan":      true,
	"monitor":   true,
	"pipeline":  true,
	"reconcile": true,
	"ingest":    true,
	"archive":   true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scan, monitor, pipeline, reconcile, ingest, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: a credential source is mandatory once live execution is on.
	if c.Trading.LiveEnabled {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when trading.live_enabled is true")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.FunderAddress == "" {
			errs = append(errs, "wallet: funder_address must be set when trading.live_enabled is true")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// Api: all three fields must be set together, or all empty. When all
	// empty and trading is live, the CLOB credentials are derived from the
	// wallet key at startup.
	ak := c.Api.Key != ""
	as := c.Api.Secret != ""
	ap := c.Api.Passphrase != ""
	if ak || as || ap {
		if !(ak && as && ap) {
			errs = append(errs, "api: key, secret, and passphrase must all be set together")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3: only needed when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive.enabled is true")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive.enabled is true")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Strategy
	if c.Strategy.Name == "" {
		errs = append(errs, "strategy: name must not be empty")
	}
	if c.Strategy.DislocationThreshold <= 0 {
		errs = append(errs, "strategy: dislocation_threshold must be > 0")
	}
	if c.Strategy.MaxDislocation <= c.Strategy.DislocationThreshold {
		errs = append(errs, "strategy: max_dislocation must exceed dislocation_threshold")
	}
	if c.Strategy.MinPrice < 0 || c.Strategy.MaxPrice > 1 || c.Strategy.MinPrice >= c.Strategy.MaxPrice {
		errs = append(errs, fmt.Sprintf("strategy: price bounds must satisfy 0 <= min < max <= 1, got [%g, %g]", c.Strategy.MinPrice, c.Strategy.MaxPrice))
	}
	if c.Strategy.AvgWindow.Duration <= 0 {
		errs = append(errs, "strategy: avg_window must be > 0")
	}
	if c.Strategy.AvgFallbackWindow.Duration < c.Strategy.AvgWindow.Duration {
		errs = append(errs, "strategy: avg_fallback_window must be >= avg_window")
	}
	if c.Strategy.TakeProfit <= 0 || c.Strategy.StopLoss <= 0 || c.Strategy.HardStop <= 0 {
		errs = append(errs, "strategy: take_profit, stop_loss, and hard_stop must all be > 0")
	}
	if c.Strategy.HardStop < c.Strategy.StopLoss {
		errs = append(errs, "strategy: hard_stop must be >= stop_loss")
	}
	if c.Strategy.MaxHold.Duration <= 0 {
		errs = append(errs, "strategy: max_hold must be > 0")
	}
	if c.Strategy.BasePositionUSD <= 0 {
		errs = append(errs, "strategy: base_position_usd must be > 0")
	}
	if c.Strategy.MaxOpenPositions < 1 {
		errs = append(errs, "strategy: max_open_positions must be >= 1")
	}
	if c.Strategy.MaxPerPair < 1 {
		errs = append(errs, "strategy: max_per_pair must be >= 1")
	}
	if c.Strategy.Slippage < 0 {
		errs = append(errs, "strategy: slippage must be >= 0")
	}
	if c.Strategy.TopMarkets < 1 {
		errs = append(errs, "strategy: top_markets must be >= 1")
	}

	// Risk
	if c.Risk.DrawdownFraction <= 0 {
		errs = append(errs, "risk: drawdown_fraction must be > 0")
	}
	if c.Risk.StaleBanFor.Duration <= 0 {
		errs = append(errs, "risk: stale_ban_for must be > 0")
	}

	// Trading
	if c.Trading.LiveEnabled {
		if c.Trading.MaxOrderUSD <= 0 {
			errs = append(errs, "trading: max_order_usd must be > 0 when live_enabled is true")
		}
		if c.Trading.MinNotionalUSD <= 0 {
			errs = append(errs, "trading: min_notional_usd must be > 0 when live_enabled is true")
		}
	}

	// Pipeline
	if c.Pipeline.IntentBatch < 1 || c.Pipeline.SellBatch < 1 || c.Pipeline.SettleBatch < 1 || c.Pipeline.CancelBatch < 1 {
		errs = append(errs, "pipeline: batch sizes must all be >= 1")
	}
	if c.Pipeline.EntryMatchWindow.Duration <= 0 {
		errs = append(errs, "pipeline: entry_match_window must be > 0")
	}

	// Reconcile
	if c.Reconcile.SizeDrift <= 0 {
		errs = append(errs, "reconcile: size_drift must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
