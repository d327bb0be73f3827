package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/usagemeter/internal/config"
	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	firestorestore "github.com/mihaimyh/usagemeter/storage/firestore"
	"github.com/mihaimyh/usagemeter/storage/memory"
	"github.com/mihaimyh/usagemeter/storage/postgres"
	redisstore "github.com/mihaimyh/usagemeter/storage/redis"
	"github.com/mihaimyh/usagemeter/storage/sqlite"
)

// openStorage opens the configured backend. The returned func releases it.
func openStorage(ctx context.Context, cfg *config.Config, logger usagemeter.Logger) (usagemeter.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc := redisstore.DefaultConfig()
		if cfg.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.Redis.KeyPrefix
		}
		rc.Logger = logger
		store, err := redisstore.New(client, rc)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("opening redis storage: %w", err)
		}
		return store, func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		pc := postgres.DefaultConfig()
		pc.ConnectionString = cfg.Postgres.DSN
		pc.MaxConns = cfg.Postgres.MaxConns
		pc.AutoMigrate = cfg.Postgres.AutoMigrate
		// Activity retention is handled by the Pruner.
		pc.CleanupEnabled = false
		pc.Logger = logger
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return store, store.Close, nil

	case config.BackendSQLite:
		sc := sqlite.DefaultConfig()
		sc.Path = cfg.SQLite.Path
		store, err := sqlite.New(ctx, sc)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("creating firestore client: %w", err)
		}
		prefix := cfg.Firestore.CollectionPrefix
		if prefix == "" {
			prefix = "usagemeter_"
		}
		store, err := firestorestore.New(client, firestorestore.Config{
			QuotasCollection:       prefix + "quotas",
			ActivityCollection:     prefix + "activity",
			WindowsCollection:      prefix + "activity_windows",
			EntitlementsCollection: prefix + "entitlements",
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("opening firestore storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// migratePostgres applies or rolls back the embedded schema
func migratePostgres(ctx context.Context, cfg config.PostgresConfig, down bool) (string, error) {
	pc := postgres.DefaultConfig()
	pc.ConnectionString = cfg.DSN
	pc.AutoMigrate = false
	pc.CleanupEnabled = false
	store, err := postgres.New(ctx, pc)
	if err != nil {
		return "", fmt.Errorf("opening postgres storage: %w", err)
	}
	defer store.Close()

	if down {
		if err := postgres.MigrateDown(store.Pool()); err != nil {
			return "", err
		}
		return "rolled back all migrations", nil
	}
	version, err := postgres.Migrate(store.Pool())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("schema at version %d", version), nil
}
