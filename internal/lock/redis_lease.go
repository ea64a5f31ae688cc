package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// releaseScript deletes the key only while it still holds our id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a server-side lease: SET NX with a TTL, so a crashed holder
// cannot wedge the lock past the lease.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	opts   Options
}

// NewRedisLease builds a lease lock on key.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration, opts Options) *RedisLease {
	def := DefaultOptions()
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = def.BackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("lease").With(zap.String("key", key))
	return &RedisLease{client: client, key: key, ttl: ttl, opts: opts}
}

// Do acquires the lease, runs fn and releases the lease if still held.
func (l *RedisLease) Do(ctx context.Context, fn func(context.Context) error) error {
	id := uuid.NewString()

	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		ok, err := l.client.SetNX(ctx, l.key, id, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			l.opts.Logger.Debug("acquired lease", zap.Int("attempt", attempt))
			defer l.release(id)
			return fn(ctx)
		}

		l.opts.Metrics.RecordLockContention(l.key)
		if attempt == l.opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, between(l.opts.BackoffMin, l.opts.BackoffMax)); err != nil {
			return err
		}
	}
	return apperrors.NewLockUnavailable(l.key, l.opts.MaxAttempts)
}

func (l *RedisLease) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, id).Err(); err != nil {
		l.opts.Logger.Warn("failed to release lease", zap.Error(err))
	}
}
