package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/config"
)

// Redis wraps the go-redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the provided configuration.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Addr))

	return &Redis{Client: client}, nil
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

// RedisArea keeps values under a key prefix and announces writes on a
// pub/sub channel.
type RedisArea struct {
	redis   *Redis
	prefix  string
	channel string
	id      string
	logger  *zap.Logger
}

// NewRedisArea attaches to the shared keyspace under prefix.
func NewRedisArea(r *Redis, prefix string, logger *zap.Logger) *RedisArea {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisArea{
		redis:   r,
		prefix:  prefix,
		channel: prefix + "changes",
		id:      uuid.NewString(),
		logger:  logger.Named("redis-storage"),
	}
}

func (a *RedisArea) ID() string { return a.id }

// Client exposes the underlying client for lease-based locking.
func (a *RedisArea) Client() *redis.Client { return a.redis.Client }

// Key returns the namespaced redis key for key.
func (a *RedisArea) Key(key string) string { return a.prefix + key }

func (a *RedisArea) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := a.redis.Client.Get(ctx, a.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (a *RedisArea) Set(ctx context.Context, key, value string) error {
	if err := a.redis.Client.Set(ctx, a.Key(key), value, 0).Err(); err != nil {
		return err
	}
	msg, err := encodeChange(Change{Key: key, Value: value, Origin: a.id})
	if err != nil {
		return err
	}
	return a.redis.Client.Publish(ctx, a.channel, msg).Err()
}

func (a *RedisArea) Watch(ctx context.Context) (<-chan Change, error) {
	sub := a.redis.Client.Subscribe(ctx, a.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", a.channel, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				change, err := decodeChange(msg.Payload)
				if err != nil {
					a.logger.Warn("dropping malformed change", zap.Error(err))
					continue
				}
				if change.Origin == a.id {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *RedisArea) Close() error {
	a.redis.Close()
	return nil
}
