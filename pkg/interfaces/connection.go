package interfaces

// Connection is a live client transport handle.
// Implementations must be safe for concurrent use; writes are serialized
// internally so the broker can send from any goroutine.
type Connection interface {
	// SessionID returns the identifier attached to the handle at accept
	// time. An empty id means the handle cannot be correlated.
	SessionID() string

	// WriteJSON queues v for delivery. It fails once the handle is closed.
	WriteJSON(v interface{}) error

	// CloseWithStatus sends a close frame after any queued writes and
	// releases the handle.
	CloseWithStatus(code int, reason string) error

	// Close releases the handle without a status.
	Close() error
}
