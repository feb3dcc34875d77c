package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chatme/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := Open(ctx, config.DatabaseConfig{Driver: DriverMemory})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("Expected *MemoryStore, got %T", store)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := Open(ctx, config.DatabaseConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(t.TempDir(), "chatme.db"),
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer func() { _ = store.Close() }()
		if _, ok := store.(*SQLiteStore); !ok {
			t.Errorf("Expected *SQLiteStore, got %T", store)
		}
	})

	t.Run("dynamodb without table", func(t *testing.T) {
		if _, err := Open(ctx, config.DatabaseConfig{Driver: DriverDynamoDB}); err == nil {
			t.Error("Expected error for missing table")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, config.DatabaseConfig{Driver: "postgres"})
		if !errors.Is(err, ErrUnknownDriver) {
			t.Errorf("Expected ErrUnknownDriver, got %v", err)
		}
	})
}
