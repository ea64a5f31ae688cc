package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/config"
)

// Area is a key/value store shared by every session instance of one origin.
// Writes made through an Area are announced to watchers of every other Area
// attached to the same backend, never to the writer itself.
type Area interface {
	// ID identifies this attachment in change notifications.
	ID() string
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Watch streams changes written by other attachments until ctx is done.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

// Change is a write observed on the shared backend.
type Change struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

func encodeChange(c Change) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeChange(raw string) (Change, error) {
	var c Change
	err := json.Unmarshal([]byte(raw), &c)
	return c, err
}

const watchBuffer = 32

// Open attaches to the backend selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Area, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return NewMemoryHub().Attach(), nil
	case "file":
		return NewFileArea(cfg.Storage.Dir, logger)
	case "redis":
		client, err := NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisArea(client, cfg.Storage.Prefix, logger), nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.RunMigrations {
			if err := RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return NewPostgresArea(pg, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
