package core

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"beamlinecore/internal/infra/persistence/memory"
	"beamlinecore/internal/infra/persistence/postgres"
	"beamlinecore/internal/infra/persistence/redis"
	"beamlinecore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a queue snapshot backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageRedis    StorageDriver = "redis"    // Redis hash
)

// StorageConfig selects and parameterizes a queue store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
}

// StorageConfigFromEnv reads the storage selection from the environment.
//
//	BEAMLINECORE_STORAGE_DRIVER: memory|sqlite|postgres|redis (default memory)
//	BEAMLINECORE_STORAGE_SQLITE_PATH: sqlite file (default ./beamlinecore.db)
//	BEAMLINECORE_STORAGE_POSTGRES_DSN: postgres DSN when driver=postgres
//	BEAMLINECORE_STORAGE_REDIS_ADDR / BEAMLINECORE_STORAGE_REDIS_DB
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{
		Driver:      StorageDriver(os.Getenv("BEAMLINECORE_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("BEAMLINECORE_STORAGE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("BEAMLINECORE_STORAGE_POSTGRES_DSN"),
		RedisAddr:   os.Getenv("BEAMLINECORE_STORAGE_REDIS_ADDR"),
	}
	if db, err := strconv.Atoi(os.Getenv("BEAMLINECORE_STORAGE_REDIS_DB")); err == nil {
		cfg.RedisDB = db
	}
	return cfg
}

// OpenQueueStore opens the configured backend. An empty driver selects memory.
func OpenQueueStore(ctx context.Context, cfg StorageConfig) (QueueStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageMemory
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	case StorageRedis:
		return redis.NewStore(ctx, redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
