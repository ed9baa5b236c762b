package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/changefeed"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/credentials"
	"github.com/jw6ventures/calsync/internal/keylock"
	"github.com/jw6ventures/calsync/internal/logging"
	"github.com/jw6ventures/calsync/internal/notify"
	"github.com/jw6ventures/calsync/internal/provider/google"
	"github.com/jw6ventures/calsync/internal/rules"
	"github.com/jw6ventures/calsync/internal/secrets"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	store  *store.Store
	creds  *credentials.Store
	hooks  *webhook.Dispatcher
	syncer *syncer.Syncer
	auth   *auth.Service
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)

	pool, err := store.Open(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, store: store.New(pool)}
	if err := a.store.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	var locks keylock.Locker = keylock.NewLocal()
	var marker rules.Marker = rules.NewLocalMarker()
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locks = keylock.NewRedis(a.redis, 2*cfg.Sync.Timeout, logger)
		marker = rules.NewRedisMarker(a.redis)
		logger.Info("using redis for cross-instance locks", "addr", cfg.RedisAddr)
	}

	sealer, err := secrets.NewSealer(cfg.Secrets.CredentialKey)
	if err != nil {
		a.close()
		return nil, err
	}
	oauthConf, verifier, err := auth.OAuthConfig(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.creds = credentials.New(a.store.Accounts, sealer, credentials.Options{
		OAuth:     oauthConf,
		RevokeURL: cfg.OAuth.RevokeURL,
		Locker:    locks,
		Logger:    logger,
	})

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.SMTP.Host != "" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			FromAddress: cfg.SMTP.From,
		})
	}

	feed := changefeed.New(a.store.Calendars, changefeed.Options{
		Locker:  locks,
		Horizon: cfg.Sync.Horizon,
		Logger:  logger,
	})
	a.hooks = webhook.New(a.store.Calendars, cfg.Secrets.WebhookSecret, logger)
	a.syncer = syncer.New(a.store, a.creds, google.NewConnector(), feed, rules.New(sender, rules.Options{Logger: logger, Marker: marker}), a.hooks, syncer.Options{
		Timeout:         cfg.Sync.Timeout,
		SinkConcurrency: cfg.Sync.SinkConcurrency,
		WebhookAddress:  webhookAddress(cfg),
		Logger:          logger,
	})

	a.auth = auth.NewService(a.store.Accounts, a.creds, a.syncer, auth.Options{
		OAuth:          oauthConf,
		Verifier:       verifier,
		States:         auth.NewStateCodec(cfg.Secrets.StateSecret),
		Scopes:         cfg.Scopes,
		PostConnectURL: cfg.OAuth.PostConnectURL,
		APIToken:       cfg.API.Token,
		Logger:         logger,
	})
	return a, nil
}

// webhookAddress is empty unless the base URL can receive push
// notifications; the provider only delivers to https endpoints.
func webhookAddress(cfg *config.Config) string {
	addr := cfg.WebhookAddress()
	if !strings.HasPrefix(addr, "https://") {
		return ""
	}
	return addr
}

func (a *app) close() {
	if a.syncer != nil {
		a.syncer.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
