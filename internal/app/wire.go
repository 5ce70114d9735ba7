package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/pmquant/polyrev/internal/blob/s3"
	"github.com/pmquant/polyrev/internal/cache/redis"
	"github.com/pmquant/polyrev/internal/config"
	"github.com/pmquant/polyrev/internal/crypto"
	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/notify"
	"github.com/pmquant/polyrev/internal/platform/polymarket"
	"github.com/pmquant/polyrev/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	MarketStore    domain.MarketStore
	TradeStore     domain.TradeStore
	PositionStore  domain.PositionStore
	IntentStore    domain.IntentStore
	OrderStore     domain.OrderStore
	RiskStateStore domain.RiskStateStore
	HeartbeatStore domain.HeartbeatStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Venue clients (nil unless the mode needs them)
	Clob   *polymarket.ClobClient
	Gamma  *polymarket.GammaClient
	Data   *polymarket.DataClient
	Stream *polymarket.TradeStream

	// Blob storage (nil unless archive is enabled)
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// needsVenue returns true for modes that talk to the exchange.
func needsVenue(mode string) bool {
	switch mode {
	case "pipeline", "reconcile", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.IntentStore = postgres.NewIntentStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.RiskStateStore = postgres.NewRiskStateStore(pool)
	deps.HeartbeatStore = postgres.NewHeartbeatStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Venue clients ---
	mode := cfg.Mode
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost, deps.RateLimiter)
	deps.Data = polymarket.NewDataClient(cfg.Polymarket.DataHost, deps.RateLimiter)
	if cfg.Ingest.Enabled && (mode == "ingest" || mode == "full") {
		deps.Stream = polymarket.NewTradeStream(cfg.Polymarket.WsHost)
	}

	if cfg.Trading.LiveEnabled && needsVenue(mode) {
		privateKey, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: load signing key: %w", err)
		}
		signer, err := crypto.NewSigner(privateKey, cfg.Polymarket.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		var hmac *crypto.HMACAuth
		if cfg.Api.Key != "" {
			hmac = &crypto.HMACAuth{
				Key:        cfg.Api.Key,
				Secret:     cfg.Api.Secret,
				Passphrase: cfg.Api.Passphrase,
			}
		}
		deps.Clob = polymarket.NewClobClient(
			cfg.Polymarket.ClobHost,
			signer,
			cfg.Wallet.FunderAddress,
			cfg.Polymarket.SignatureType,
			hmac,
		)
		if hmac == nil {
			if err := deps.Clob.DeriveAPIKey(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: derive clob api key: %w", err)
			}
		}
	}

	// --- S3 blob storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
