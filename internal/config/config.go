package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the session client.
type Config struct {
	App      AppConfig
	API      APIConfig
	Refresh  RefreshConfig
	Lock     LockConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Logger   LoggerConfig
	Online   OnlineConfig
	Metrics  MetricsConfig
}

// AppConfig identifies the running client.
type AppConfig struct {
	Name    string
	Env     string
	Version string
}

// APIConfig points the client at the backend origin.
type APIConfig struct {
	Endpoint           string
	GraphQLPath        string
	LoginTimeoutMillis int
}

// RefreshConfig controls polling and the retry policy of the refresh call.
type RefreshConfig struct {
	PollIntervalSeconds  int
	Attempts             int
	TimeoutMillis        int
	BackoffInitialMillis int
	BackoffMaxMillis     int
	Jitter               bool
}

// LockConfig controls the cross-process refresh lock.
type LockConfig struct {
	Mode             string
	Key              string
	MaxAttempts      int
	SettleMillis     int
	BackoffMinMillis int
	BackoffMaxMillis int
	LeaseSeconds     int
}

// StorageConfig selects the shared storage backend.
type StorageConfig struct {
	Driver string
	Dir    string
	Prefix string
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// OnlineConfig configures the connectivity watcher.
type OnlineConfig struct {
	Enabled              bool
	CheckIntervalSeconds int
	ProbeTimeoutMillis   int
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "inspect-session"),
			Env:     getEnv("APP_ENV", "development"),
			Version: getEnv("APP_VERSION", "dev"),
		},
		API: APIConfig{
			Endpoint:           getEnv("API_ENDPOINT", "http://127.0.0.1:4000"),
			GraphQLPath:        getEnv("API_GRAPHQL_PATH", "/graphql"),
			LoginTimeoutMillis: getEnvAsInt("API_LOGIN_TIMEOUT_MS", 10000),
		},
		Refresh: RefreshConfig{
			PollIntervalSeconds:  getEnvAsInt("REFRESH_POLL_INTERVAL_SECONDS", 60),
			Attempts:             getEnvAsInt("REFRESH_ATTEMPTS", 5),
			TimeoutMillis:        getEnvAsInt("REFRESH_TIMEOUT_MS", 10000),
			BackoffInitialMillis: getEnvAsInt("REFRESH_BACKOFF_INITIAL_MS", 200),
			BackoffMaxMillis:     getEnvAsInt("REFRESH_BACKOFF_MAX_MS", 30000),
			Jitter:               getEnvAsBool("REFRESH_BACKOFF_JITTER", true),
		},
		Lock: LockConfig{
			Mode:             getEnv("LOCK_MODE", "storage"),
			Key:              getEnv("LOCK_KEY", "tokenRefreshLock"),
			MaxAttempts:      getEnvAsInt("LOCK_MAX_ATTEMPTS", 20),
			SettleMillis:     getEnvAsInt("LOCK_SETTLE_MS", 50),
			BackoffMinMillis: getEnvAsInt("LOCK_BACKOFF_MIN_MS", 100),
			BackoffMaxMillis: getEnvAsInt("LOCK_BACKOFF_MAX_MS", 1000),
			LeaseSeconds:     getEnvAsInt("LOCK_LEASE_SECONDS", 120),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "file"),
			Dir:    getEnv("STORAGE_DIR", ".inspect-session"),
			Prefix: getEnv("STORAGE_PREFIX", "inspect-session:"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 4)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 1)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Online: OnlineConfig{
			Enabled:              getEnvAsBool("ONLINE_WATCH_ENABLED", true),
			CheckIntervalSeconds: getEnvAsInt("ONLINE_CHECK_INTERVAL_SECONDS", 5),
			ProbeTimeoutMillis:   getEnvAsInt("ONLINE_PROBE_TIMEOUT_MS", 3000),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot fall back to a default.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid API_ENDPOINT: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid API_ENDPOINT: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid API_ENDPOINT: missing host")
	}
	switch c.Storage.Driver {
	case "memory", "file", "redis", "postgres":
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q", c.Storage.Driver)
	}
	switch c.Lock.Mode {
	case "storage", "redis":
	default:
		return fmt.Errorf("invalid LOCK_MODE %q", c.Lock.Mode)
	}
	if c.Lock.Mode == "redis" && c.Storage.Driver != "redis" {
		return errors.New("LOCK_MODE=redis requires STORAGE_DRIVER=redis")
	}
	if c.Storage.Driver == "postgres" && c.Postgres.DSN == "" {
		return errors.New("STORAGE_DRIVER=postgres requires POSTGRES_DSN")
	}
	return nil
}

// EndpointURL returns the parsed API origin.
func (a APIConfig) EndpointURL() *url.URL {
	u, err := url.Parse(a.Endpoint)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// LoginTimeout returns the timeout applied to login and logout calls.
func (a APIConfig) LoginTimeout() time.Duration {
	return millis(a.LoginTimeoutMillis)
}

// PollInterval returns the scheduler tick interval.
func (r RefreshConfig) PollInterval() time.Duration {
	if r.PollIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// Timeout returns the per-attempt refresh timeout.
func (r RefreshConfig) Timeout() time.Duration {
	return millis(r.TimeoutMillis)
}

// BackoffInitial returns the first retry delay.
func (r RefreshConfig) BackoffInitial() time.Duration {
	return millis(r.BackoffInitialMillis)
}

// BackoffMax returns the retry delay ceiling.
func (r RefreshConfig) BackoffMax() time.Duration {
	return millis(r.BackoffMaxMillis)
}

// Settle returns the lock settle delay.
func (l LockConfig) Settle() time.Duration {
	return millis(l.SettleMillis)
}

// BackoffMin returns the lower bound of the lock retry wait.
func (l LockConfig) BackoffMin() time.Duration {
	return millis(l.BackoffMinMillis)
}

// BackoffMax returns the upper bound of the lock retry wait.
func (l LockConfig) BackoffMax() time.Duration {
	return millis(l.BackoffMaxMillis)
}

// Lease returns the TTL used by the redis lease lock.
func (l LockConfig) Lease() time.Duration {
	if l.LeaseSeconds <= 0 {
		return 0
	}
	return time.Duration(l.LeaseSeconds) * time.Second
}

// CheckInterval returns the connectivity probe interval.
func (o OnlineConfig) CheckInterval() time.Duration {
	if o.CheckIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.CheckIntervalSeconds) * time.Second
}

// ProbeTimeout returns the timeout of one connectivity probe.
func (o OnlineConfig) ProbeTimeout() time.Duration {
	return millis(o.ProbeTimeoutMillis)
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
