package callmetrics

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Store abstracts the durable table of function metrics, keyed by function name.
// Only the persistence worker calls Upsert.
type Store interface {
	// Load returns every persisted row.
	Load(ctx context.Context) ([]Snapshot, error)

	// Upsert inserts the snapshot, or overwrites calls, total_time and
	// errors of an existing row. Last write wins; values are not merged.
	Upsert(ctx context.Context, s Snapshot) error

	// Close releases any resources held by the store.
	Close() error
}

// Store drivers accepted by StoreConfig.Driver
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// OpenStore opens the store selected by cfg.Driver
func OpenStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.Path, logger)
	case DriverBadger:
		return NewBadgerStore(cfg.Path, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
