// Package platform wires the broadcast outbox engine's infrastructure
// dependencies (Postgres, Redis, the secret provider) into the concrete
// types internal/broadcast and internal/lock depend on.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"go.broadcastengine.dev/internal/common/secrets"
	"go.broadcastengine.dev/internal/config"
)

// Infra bundles the connected infrastructure handles a fully wired
// engine needs, so main can build and tear them down as one unit.
type Infra struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Secret secrets.Provider
}

// Connect establishes the Postgres pool and Redis client, pinging both
// before returning, and constructs the configured secret provider. It
// follows the same connect-then-ping-then-fail-fast shape the outbox
// processor's MongoDB bootstrap uses, adapted to two backends instead
// of one.
func Connect(ctx context.Context, cfg *config.Config) (*Infra, error) {
	slog.Info("connecting to Postgres", "url", maskURL(cfg.DatabaseURL))
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("platform: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform: ping postgres: %w", err)
	}
	slog.Info("connected to Postgres")

	slog.Info("connecting to Redis", "url", maskURL(cfg.RedisURL))
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	redisCtx, redisCancel := context.WithTimeout(ctx, 10*time.Second)
	defer redisCancel()
	if err := rdb.Ping(redisCtx).Err(); err != nil {
		pool.Close()
		rdb.Close()
		return nil, fmt.Errorf("platform: ping redis: %w", err)
	}
	slog.Info("connected to Redis")

	secretCfg := secrets.LoadConfigFromEnv()
	secretCfg.Provider = secrets.ProviderType(cfg.Secrets.Provider)
	provider, err := secrets.NewProvider(secretCfg)
	if err != nil {
		pool.Close()
		rdb.Close()
		return nil, fmt.Errorf("platform: build secret provider: %w", err)
	}
	slog.Info("secret provider ready", "provider", provider.Name())

	return &Infra{DB: pool, Redis: rdb, Secret: provider}, nil
}

// Close tears down every connection Connect opened.
func (i *Infra) Close() {
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			slog.Error("closing redis client", "error", err)
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}

// BotToken resolves the Telegram bot token through the configured
// secret provider under the single key "telegram-bot-token"; how that key
// maps to storage is up to the provider. There is no fallback key.
func (i *Infra) BotToken(ctx context.Context) (string, error) {
	token, err := i.Secret.Get(ctx, "telegram-bot-token")
	if err != nil {
		return "", fmt.Errorf("platform: load bot token: %w", err)
	}
	return token, nil
}

func maskURL(url string) string {
	if len(url) <= 20 {
		return "***"
	}
	return url[:12] + "...masked"
}
