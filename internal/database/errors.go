package database

import "errors"

var (
	ErrUnknownDriver = errors.New("unknown database driver")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrShuttingDown  = errors.New("store is shutting down")
)
