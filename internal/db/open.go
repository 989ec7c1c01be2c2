package db

import (
	"context"
	"fmt"

	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/utils"
)

// Open connects to the backend named by cfg.DBBackend. There is no fallback: if the chosen
// backend cannot be opened the error is returned.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	utils.Info("db open", "backend", cfg.DBBackend)
	var (
		store Store
		err   error
	)
	switch cfg.DBBackend {
	case config.BackendSQLite, "":
		store, err = NewSQLiteStore(cfg.SQLitePath)
	case config.BackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.DBConnString())
	case config.BackendFirestore:
		store, err = NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials)
	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.DBBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBBackend, err)
	}
	return store, nil
}

// OpenAndMigrate opens the configured backend and brings its schema up to date.
func OpenAndMigrate(ctx context.Context, cfg config.Config) (Store, error) {
	store, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
