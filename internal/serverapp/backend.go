package serverapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kay0530/weekly-task-manager/internal/config"
	"github.com/kay0530/weekly-task-manager/internal/storage"
	"github.com/kay0530/weekly-task-manager/internal/storage/kvstore"
	"github.com/kay0530/weekly-task-manager/internal/storage/sqlitestore"
)

// OpenBackend opens the storage backend named by cfg.Storage.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryRepo(), nil
	case config.BackendFile:
		return storage.NewFileRepo(filepath.Join(cfg.Server.DataDir, "tasks"), logger)
	case config.BackendNATS:
		return kvstore.Open(ctx, kvstore.Options{
			URL:          cfg.Storage.NATS.URL,
			BucketPrefix: cfg.Storage.NATS.BucketPrefix,
			Embedded:     cfg.Storage.NATS.Embedded,
			StoreDir:     cfg.Storage.NATS.StoreDir,
			Logger:       logger,
		})
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.Storage.SQLite.Path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
