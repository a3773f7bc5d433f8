package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/partstash/partstash/internal/config"
)

// Open creates the manifest engine selected by cfg.Engine. The cloud engines
// use ctx to load credentials and reach the service.
func Open(ctx context.Context, cfg config.ManifestConfig) (Store, error) {
	switch cfg.Engine {
	case "", "sqlite":
		path := cfg.SQLite.Path
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating manifest directory: %w", err)
			}
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		slog.Info("SQLite manifest store opened", "path", path)
		return s, nil
	case "pebble":
		if err := os.MkdirAll(cfg.Pebble.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating manifest directory: %w", err)
		}
		s, err := NewPebbleStore(cfg.Pebble.Dir)
		if err != nil {
			return nil, err
		}
		slog.Info("Pebble manifest store opened", "dir", cfg.Pebble.Dir)
		return s, nil
	case "local":
		s, err := NewLocalStore(cfg.Local)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "dynamodb":
		s, err := NewDynamoDBStore(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("DynamoDB manifest store opened", "table", cfg.DynamoDB.Table, "region", cfg.DynamoDB.Region)
		return s, nil
	case "firestore":
		s, err := NewFirestoreStore(ctx, cfg.Firestore)
		if err != nil {
			return nil, err
		}
		slog.Info("Firestore manifest store opened", "project", cfg.Firestore.Project, "collection", cfg.Firestore.Collection)
		return s, nil
	case "cosmos":
		s, err := NewCosmosStore(cfg.Cosmos)
		if err != nil {
			return nil, err
		}
		slog.Info("Cosmos DB manifest store opened", "database", cfg.Cosmos.Database, "container", cfg.Cosmos.Container)
		return s, nil
	case "memory":
		slog.Warn("memory manifest store selected; manifests are lost on exit")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown manifest engine %q", cfg.Engine)
	}
}
