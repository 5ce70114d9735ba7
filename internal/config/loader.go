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
// built-in defaults, applies POLYREV_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known POLYREV_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYREV_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.FunderAddress, "POLYREV_WALLET_FUNDER_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYREV_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYREV_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYREV_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYREV_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "POLYREV_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYREV_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYREV_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYREV_POLYMARKET_SIGNATURE_TYPE")

	// ── Api ──
	setStr(&cfg.Api.Key, "POLYREV_API_KEY")
	setStr(&cfg.Api.Secret, "POLYREV_API_SECRET")
	setStr(&cfg.Api.Passphrase, "POLYREV_API_PASSPHRASE")

	// ── Database ──
	setStr(&cfg.Database.DSN, "POLYREV_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "POLYREV_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "POLYREV_DATABASE_HOST")
	setInt(&cfg.Database.Port, "POLYREV_DATABASE_PORT")
	setStr(&cfg.Database.Database, "POLYREV_DATABASE_NAME")
	setStr(&cfg.Database.User, "POLYREV_DATABASE_USER")
	setStr(&cfg.Database.Password, "POLYREV_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "POLYREV_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "POLYREV_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "POLYREV_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "POLYREV_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYREV_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYREV_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYREV_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYREV_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYREV_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYREV_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYREV_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYREV_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYREV_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYREV_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYREV_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYREV_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYREV_S3_FORCE_PATH_STYLE")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "POLYREV_STRATEGY_NAME")
	setFloat64(&cfg.Strategy.DislocationThreshold, "POLYREV_STRATEGY_DISLOCATION_THRESHOLD")
	setFloat64(&cfg.Strategy.MaxDislocation, "POLYREV_STRATEGY_MAX_DISLOCATION")
	setFloat64(&cfg.Strategy.MinPrice, "POLYREV_STRATEGY_MIN_PRICE")
	setFloat64(&cfg.Strategy.MaxPrice, "POLYREV_STRATEGY_MAX_PRICE")
	setDuration(&cfg.Strategy.AvgWindow, "POLYREV_STRATEGY_AVG_WINDOW")
	setDuration(&cfg.Strategy.AvgFallbackWindow, "POLYREV_STRATEGY_AVG_FALLBACK_WINDOW")
	setDuration(&cfg.Strategy.PriceStaleAfter, "POLYREV_STRATEGY_PRICE_STALE_AFTER")
	setFloat64(&cfg.Strategy.TakeProfit, "POLYREV_STRATEGY_TAKE_PROFIT")
	setFloat64(&cfg.Strategy.StopLoss, "POLYREV_STRATEGY_STOP_LOSS")
	setFloat64(&cfg.Strategy.HardStop, "POLYREV_STRATEGY_HARD_STOP")
	setDuration(&cfg.Strategy.MaxHold, "POLYREV_STRATEGY_MAX_HOLD")
	setFloat64(&cfg.Strategy.BasePositionUSD, "POLYREV_STRATEGY_BASE_POSITION_USD")
	setFloat64(&cfg.Strategy.MaxPositionUSD, "POLYREV_STRATEGY_MAX_POSITION_USD")
	setInt(&cfg.Strategy.MaxOpenPositions, "POLYREV_STRATEGY_MAX_OPEN_POSITIONS")
	setInt(&cfg.Strategy.MaxPerPair, "POLYREV_STRATEGY_MAX_PER_PAIR")
	setDuration(&cfg.Strategy.MarketCooldown, "POLYREV_STRATEGY_MARKET_COOLDOWN")
	setInt(&cfg.Strategy.MaxLossStreak, "POLYREV_STRATEGY_MAX_LOSS_STREAK")
	setFloat64(&cfg.Strategy.DailyLossLimit, "POLYREV_STRATEGY_DAILY_LOSS_LIMIT")
	setFloat64(&cfg.Strategy.Slippage, "POLYREV_STRATEGY_SLIPPAGE")
	setInt(&cfg.Strategy.TopMarkets, "POLYREV_STRATEGY_TOP_MARKETS")
	setFloat64(&cfg.Strategy.MinVolume24hUSD, "POLYREV_STRATEGY_MIN_VOLUME_24H_USD")
	setDuration(&cfg.Strategy.VolumeWindow, "POLYREV_STRATEGY_VOLUME_WINDOW")
	setStringSlice(&cfg.Strategy.ExcludedTags, "POLYREV_STRATEGY_EXCLUDED_TAGS")
	setStringSlice(&cfg.Strategy.ExcludedKeywords, "POLYREV_STRATEGY_EXCLUDED_KEYWORDS")
	setBool(&cfg.Strategy.RequireQuestion, "POLYREV_STRATEGY_REQUIRE_QUESTION")
	setDuration(&cfg.Strategy.MinTimeToResolve, "POLYREV_STRATEGY_MIN_TIME_TO_RESOLVE")

	// ── Risk ──
	setFloat64(&cfg.Risk.DrawdownFraction, "POLYREV_RISK_DRAWDOWN_FRACTION")
	setDuration(&cfg.Risk.StaleBanFor, "POLYREV_RISK_STALE_BAN_FOR")

	// ── Trading ──
	setBool(&cfg.Trading.LiveEnabled, "POLYREV_TRADING_LIVE_ENABLED")
	setFloat64(&cfg.Trading.MaxOrderUSD, "POLYREV_TRADING_MAX_ORDER_USD")
	setFloat64(&cfg.Trading.MinNotionalUSD, "POLYREV_TRADING_MIN_NOTIONAL_USD")
	setDuration(&cfg.Trading.SubmitCooldown, "POLYREV_TRADING_SUBMIT_COOLDOWN")
	setBool(&cfg.Trading.OneActivePerMarket, "POLYREV_TRADING_ONE_ACTIVE_PER_MARKET")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.ScanInterval, "POLYREV_PIPELINE_SCAN_INTERVAL")
	setDuration(&cfg.Pipeline.MonitorInterval, "POLYREV_PIPELINE_MONITOR_INTERVAL")
	setDuration(&cfg.Pipeline.RiskInterval, "POLYREV_PIPELINE_RISK_INTERVAL")
	setDuration(&cfg.Pipeline.IntentInterval, "POLYREV_PIPELINE_INTENT_INTERVAL")
	setInt(&cfg.Pipeline.IntentBatch, "POLYREV_PIPELINE_INTENT_BATCH")
	setDuration(&cfg.Pipeline.SellInterval, "POLYREV_PIPELINE_SELL_INTERVAL")
	setInt(&cfg.Pipeline.SellBatch, "POLYREV_PIPELINE_SELL_BATCH")
	setDuration(&cfg.Pipeline.SettleInterval, "POLYREV_PIPELINE_SETTLE_INTERVAL")
	setInt(&cfg.Pipeline.SettleBatch, "POLYREV_PIPELINE_SETTLE_BATCH")
	setDuration(&cfg.Pipeline.SubmitInterval, "POLYREV_PIPELINE_SUBMIT_INTERVAL")
	setDuration(&cfg.Pipeline.CancelInterval, "POLYREV_PIPELINE_CANCEL_INTERVAL")
	setInt(&cfg.Pipeline.CancelBatch, "POLYREV_PIPELINE_CANCEL_BATCH")
	setDuration(&cfg.Pipeline.FillCheckInterval, "POLYREV_PIPELINE_FILL_CHECK_INTERVAL")
	setDuration(&cfg.Pipeline.OpenerInterval, "POLYREV_PIPELINE_OPENER_INTERVAL")
	setDuration(&cfg.Pipeline.EntryMatchWindow, "POLYREV_PIPELINE_ENTRY_MATCH_WINDOW")
	setDuration(&cfg.Pipeline.HeartbeatInterval, "POLYREV_PIPELINE_HEARTBEAT_INTERVAL")

	// ── Ingest ──
	setBool(&cfg.Ingest.Enabled, "POLYREV_INGEST_ENABLED")
	setDuration(&cfg.Ingest.MarketRefreshInterval, "POLYREV_INGEST_MARKET_REFRESH_INTERVAL")
	setInt(&cfg.Ingest.TradeFlushSize, "POLYREV_INGEST_TRADE_FLUSH_SIZE")
	setDuration(&cfg.Ingest.TradeFlushInterval, "POLYREV_INGEST_TRADE_FLUSH_INTERVAL")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "POLYREV_RECONCILE_INTERVAL")
	setFloat64(&cfg.Reconcile.SizeDrift, "POLYREV_RECONCILE_SIZE_DRIFT")
	setDuration(&cfg.Reconcile.LockTTL, "POLYREV_RECONCILE_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYREV_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "POLYREV_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "POLYREV_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "POLYREV_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYREV_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYREV_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYREV_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYREV_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYREV_MODE")
	setStr(&cfg.LogLevel, "POLYREV_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
