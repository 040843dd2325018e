package connector

import "context"

// Provider creates connections for one database backend.
type Provider interface {
	Connect(ctx context.Context, config Config) (Connection, error)
}
