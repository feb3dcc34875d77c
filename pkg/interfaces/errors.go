package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrStoreClosed = errors.New("store is closed")
)
