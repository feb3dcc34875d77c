package config

import "errors"

var (
	ErrMissingSection    = errors.New("configuration section is missing")
	ErrNoAPIKeys         = errors.New("at least one API key must be configured")
	ErrUnknownDriver     = errors.New("unknown database driver")
	ErrUnsupportedFormat = errors.New("unsupported config file format")
)
