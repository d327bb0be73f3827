// Package config loads the usagemeter daemon configuration from a .env file
// and USAGEMETER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the daemon reads
const EnvPrefix = "USAGEMETER_"

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

type Config struct {
	Server         ServerConfig
	Storage        StorageConfig
	Redis          RedisConfig
	Postgres       PostgresConfig
	SQLite         SQLiteConfig
	Firestore      FirestoreConfig
	NATS           NATSConfig
	Tiers          TiersConfig
	Alerts         AlertsConfig
	Prune          PruneConfig
	TierCache      TierCacheConfig
	CircuitBreaker CircuitBreakerConfig
	Log            LogConfig
}

type ServerConfig struct {
	Host            string        `validate:"required"`
	Port            int           `validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	UserIDHeader    string        `validate:"required"`
	TierHeader      string
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Backend string `validate:"oneof=memory redis postgres sqlite firestore"`
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int `validate:"gte=0"`
	KeyPrefix string
}

type PostgresConfig struct {
	DSN         string
	MaxConns    int32 `validate:"gte=0"`
	AutoMigrate bool
}

type SQLiteConfig struct {
	Path string
}

type FirestoreConfig struct {
	ProjectID        string
	CollectionPrefix string
}

type NATSConfig struct {
	URL     string `validate:"omitempty,url"`
	Subject string
}

type TiersConfig struct {
	// File is an optional YAML policy table; the built-in tiers are used when empty
	File    string
	Default string `validate:"required"`
}

type AlertsConfig struct {
	Enabled     bool
	Interval    time.Duration `validate:"gte=0"`
	Threshold   float64       `validate:"gte=0,lte=100"`
	Concurrency int           `validate:"gte=0"`
}

type PruneConfig struct {
	Interval  time.Duration `validate:"gt=0"`
	Retention time.Duration `validate:"gte=0"`
}

type TierCacheConfig struct {
	Enabled    bool
	TTL        time.Duration `validate:"gte=0"`
	MaxEntries int           `validate:"gte=0"`
}

type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int           `validate:"gte=0"`
	ResetTimeout     time.Duration `validate:"gte=0"`
}

type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// Load reads dotenvPath (ignored when missing) and then the environment,
// which overrides the file. Keys map as USAGEMETER_SERVER_PORT -> server.port.
func Load(dotenvPath string) (*Config, error) {
	k := koanf.New(".")

	if dotenvPath != "" {
		// Load .env file if it exists (ignore error if missing)
		_ = k.Load(file.Provider(dotenvPath), dotenv.ParserEnv(EnvPrefix, ".", envKey))
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            k.String("server.host"),
			Port:            k.Int("server.port"),
			ShutdownTimeout: k.Duration("server.shutdown.timeout"),
			UserIDHeader:    k.String("server.user.header"),
			TierHeader:      k.String("server.tier.header"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(k.String("storage.backend")),
		},
		Redis: RedisConfig{
			Addr:      k.String("redis.addr"),
			Password:  k.String("redis.password"),
			DB:        k.Int("redis.db"),
			KeyPrefix: k.String("redis.key.prefix"),
		},
		Postgres: PostgresConfig{
			DSN:         k.String("postgres.dsn"),
			MaxConns:    int32(k.Int("postgres.max.conns")),
			AutoMigrate: k.Bool("postgres.auto.migrate"),
		},
		SQLite: SQLiteConfig{
			Path: k.String("sqlite.path"),
		},
		Firestore: FirestoreConfig{
			ProjectID:        k.String("firestore.project"),
			CollectionPrefix: k.String("firestore.collection.prefix"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Subject: k.String("nats.subject"),
		},
		Tiers: TiersConfig{
			File:    k.String("tiers.file"),
			Default: k.String("tiers.default"),
		},
		Alerts: AlertsConfig{
			Enabled:     k.Bool("alerts.enabled"),
			Interval:    k.Duration("alerts.interval"),
			Threshold:   k.Float64("alerts.threshold"),
			Concurrency: k.Int("alerts.concurrency"),
		},
		Prune: PruneConfig{
			Interval:  k.Duration("prune.interval"),
			Retention: k.Duration("prune.retention"),
		},
		TierCache: TierCacheConfig{
			Enabled:    k.Bool("tier.cache.enabled"),
			TTL:        k.Duration("tier.cache.ttl"),
			MaxEntries: k.Int("tier.cache.max.entries"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          k.Bool("circuit.breaker.enabled"),
			FailureThreshold: k.Int("circuit.breaker.failure.threshold"),
			ResetTimeout:     k.Duration("circuit.breaker.reset.timeout"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(k.String("log.level")),
			Format: strings.ToLower(k.String("log.format")),
		},
	}

	cfg.applyDefaults(k)
	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
}

func (c *Config) applyDefaults(k *koanf.Koanf) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.UserIDHeader == "" {
		c.Server.UserIDHeader = "X-User-ID"
	}
	if c.Server.TierHeader == "" && !k.Exists("server.tier.header") {
		c.Server.TierHeader = "X-User-Tier"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if !k.Exists("postgres.auto.migrate") {
		c.Postgres.AutoMigrate = true
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "usagemeter.db"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "usagemeter.alerts"
	}
	if c.Tiers.Default == "" {
		c.Tiers.Default = "free"
	}
	if !k.Exists("alerts.enabled") {
		c.Alerts.Enabled = true
	}
	if c.Alerts.Interval == 0 {
		c.Alerts.Interval = time.Hour
	}
	if c.Prune.Interval == 0 {
		c.Prune.Interval = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks field ranges and the settings the selected backend needs.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []error

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("USAGEMETER_REDIS_ADDR is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("USAGEMETER_POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("USAGEMETER_FIRESTORE_PROJECT is required for the firestore backend"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
