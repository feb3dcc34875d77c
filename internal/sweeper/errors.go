package sweeper

import "errors"

var (
	ErrAlreadyRunning = errors.New("sweeper is already running")
	ErrNotRunning     = errors.New("sweeper is not running")
)
