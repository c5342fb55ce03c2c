package localstore

import (
	"fmt"
	"io"
)

// CloseableStore is a Store that owns a connection or file handle.
type CloseableStore interface {
	Store
	io.Closer
}

// Options selects and configures a Store backend.
type Options struct {
	Driver      Driver
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
}

// Open returns the Store selected by opts.Driver (default sqlite).
func Open(opts Options) (CloseableStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case DriverRedis:
		return NewRedisStore(opts.RedisURL, opts.RedisPrefix)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown local store driver %s", driver)
	}
}
