package store

import (
	"context"
	"fmt"

	"github.com/ashureev/voicebridge/internal/config"
)

// Open builds the repository selected by the configured store URL.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	driver, err := cfg.StoreDriver()
	if err != nil {
		return nil, err
	}
	switch driver {
	case config.DriverPostgREST:
		return NewPostgREST(cfg.Store.URL, cfg.Store.Key, cfg.RequestTimeout), nil
	case config.DriverPostgres:
		return NewPostgres(ctx, cfg.Store.URL)
	case config.DriverSQLite:
		return NewSQLite(cfg.SQLitePath())
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
