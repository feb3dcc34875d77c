package interfaces

import "context"

// KeyValueStore is the durable storage behind the broker's projections.
// Put replaces the whole value for a key; there is no partial update.
type KeyValueStore interface {
	// Get returns the stored value or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
