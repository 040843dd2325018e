// Package connector opens guarded database connection pools. It owns
// configuration, DSN assembly, connect-time retry, and the adapter that
// installs a guard.Guard into a real pool's lifecycle hooks.
package connector

import (
	"context"

	"github.com/Konsultn-Engineering/poolguard/guard"
)

// Connection is an open, guarded pool of database connections.
type Connection interface {
	// Acquire checks a connection out of the pool, proven alive by the
	// guard before it is handed over.
	Acquire(ctx context.Context) (*Session, error)
	Health(ctx context.Context) error
	Stats() ConnectionStats
	Guard() *guard.Guard
	Close() error
}

// Connector opens connections for one configured target.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
	ConnectWithRetry(ctx context.Context, opts RetryConfig) (Connection, error)
	Close() error
}
