package broker

import "errors"

var (
	ErrMissingSessionID  = errors.New("connection has no session id")
	ErrAlreadyRegistered = errors.New("session already registered")
	ErrSessionNotFound   = errors.New("session not found")
)
