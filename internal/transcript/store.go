package transcript

import (
	"context"
	"strings"
)

// StoreConfig selects the backing store.
type StoreConfig struct {
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
}

// NewStore prefers MongoDB when configured, then Postgres, then in-memory.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if strings.TrimSpace(cfg.MongoURI) != "" {
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return NewInMemoryStore(), nil
}
