package database

import (
	"context"
	"fmt"
	"time"

	"chatme/internal/config"
	dbconfig "chatme/pkg/database"
	"chatme/pkg/interfaces"
)

// Driver names accepted in database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// Open builds the projections store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (interfaces.KeyValueStore, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		sqliteCfg := dbconfig.DefaultConfig()
		sqliteCfg.DatabasePath = cfg.Path
		if cfg.Timeout > 0 {
			sqliteCfg.WriteTimeout = cfg.Timeout
		}
		return NewSQLiteStore(sqliteCfg)
	case DriverDynamoDB:
		return NewDynamoStore(ctx, cfg.Table, cfg.Region)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
