package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/config"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying storage changes.
const notifyChannel = "shared_storage_changes"

const (
	relistenMinDelay = 250 * time.Millisecond
	relistenMaxDelay = 10 * time.Second
)

// Postgres wraps access to a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("POSTGRES_DSN not provided")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxIdleSec > 0 {
		poolCfg.MaxConnIdleTime = time.Duration(cfg.ConnMaxIdleSec) * time.Second
	}
	if cfg.ConnMaxLifeSec > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.ConnMaxLifeSec) * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres")
	return &Postgres{Pool: pool}, nil
}

// Close releases pool resources.
func (p *Postgres) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// PoolHandle returns the underlying pgx pool.
func (p *Postgres) PoolHandle() *pgxpool.Pool {
	if p == nil {
		return nil
	}
	return p.Pool
}

// PostgresArea keeps values in the shared_storage table and announces writes
// with NOTIFY in the same transaction.
type PostgresArea struct {
	pg     *Postgres
	id     string
	logger *zap.Logger
}

// NewPostgresArea attaches to the shared_storage table.
func NewPostgresArea(pg *Postgres, logger *zap.Logger) *PostgresArea {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresArea{pg: pg, id: uuid.NewString(), logger: logger.Named("postgres-storage")}
}

func (a *PostgresArea) ID() string { return a.id }

func (a *PostgresArea) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := a.pg.Pool.QueryRow(ctx, `SELECT value FROM shared_storage WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (a *PostgresArea) Set(ctx context.Context, key, value string) error {
	payload, err := encodeChange(Change{Key: key, Value: value, Origin: a.id})
	if err != nil {
		return err
	}

	tx, err := a.pg.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO shared_storage (key, value, origin, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, origin = EXCLUDED.origin, updated_at = EXCLUDED.updated_at`,
		key, value, a.id); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// Watch holds a dedicated connection in LISTEN mode until ctx is done. A
// dropped connection is re-established with backoff; changes written while
// it was down are not replayed.
func (a *PostgresArea) Watch(ctx context.Context) (<-chan Change, error) {
	conn, err := a.listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		for conn != nil {
			err := a.drain(ctx, conn, out)
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("storage listener dropped, reconnecting", zap.Error(err))
			conn = a.relisten(ctx)
		}
	}()
	return out, nil
}

func (a *PostgresArea) listen(ctx context.Context) (*pgx.Conn, error) {
	pooled, err := a.pg.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// relisten retries listen until it succeeds or ctx is done, in which case it
// returns nil.
func (a *PostgresArea) relisten(ctx context.Context) *pgx.Conn {
	backoff := retry.WithCappedDuration(relistenMaxDelay, retry.NewExponential(relistenMinDelay))
	var conn *pgx.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := a.listen(ctx)
		if err != nil {
			a.logger.Warn("storage listener reconnect failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil
	}
	a.logger.Info("storage listener reconnected")
	return conn
}

// drain forwards notifications from conn until it fails or ctx is done.
func (a *PostgresArea) drain(ctx context.Context, conn *pgx.Conn, out chan<- Change) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := decodeChange(n.Payload)
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
			return ctx.Err()
		}
	}
}

func (a *PostgresArea) Close() error {
	a.pg.Close()
	return nil
}
