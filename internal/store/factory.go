package store

import "fmt"

// DriverType selects a session cache driver.
type DriverType string

const (
	// DriverMemory holds the cache in process memory only.
	DriverMemory DriverType = "memory"
	// DriverSQLite persists the cache to a local sqlite database so it
	// survives a host restart.
	DriverSQLite DriverType = "sqlite"
)

// New creates a session cache store backed by the given driver.
func New(driver DriverType, opts ...Option) (Store, error) {
	cfg := newConfig(opts...)
	switch driver {
	case DriverMemory, "":
		return newMemoryStore(cfg), nil
	case DriverSQLite:
		return newSQLiteStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", driver)
	}
}
