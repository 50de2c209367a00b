package connection

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/codec"
	"github.com/jsherman999/domwatch/internal/config"
)

// Open builds the adapter selected by watcher.transport. pool is only used by
// the postgres transport.
func Open(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (Adapter, error) {
	switch cfg.Watcher.Transport {
	case config.TransportMemory:
		return NewHub(logger), nil

	case config.TransportRedis:
		c, err := codec.Lookup(cfg.Watcher.Codec)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedis(client, RedisOptions{
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			Codec:         c,
			Logger:        logger,
			CloseClient:   true,
		})

	case config.TransportPostgres:
		return NewPostgres(ctx, pool, logger)

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Watcher.Transport)
	}
}
