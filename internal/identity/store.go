package identity

import (
	"context"
	"strings"
)

// Store answers whether an access code was pre-provisioned. Codes are written
// out-of-band by an administrative tool; the service only ever reads.
type Store interface {
	Check(ctx context.Context, identifier string) (bool, error)
	Close() error
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
}

// NewStore prefers MongoDB when configured, then Postgres, then the seedable
// in-memory store for local development.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if strings.TrimSpace(cfg.MongoURI) != "" {
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return NewInMemoryStore(), nil
}
