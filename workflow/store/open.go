package store

import (
	"context"
	"fmt"
)

// Open creates a store for driver, one of "memory", "sqlite", "mysql" or
// "postgres". dsn is ignored by the memory driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return NewSQLiteStore(dsn)
	case "mysql":
		return NewMySQLStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
