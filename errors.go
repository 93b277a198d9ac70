package crust

import "errors"

var (
	ErrReadConfigurationFailure = errors.New("failed to read configuration")
	ErrLoadConfigurationFailure = errors.New("failed to load configuration")

	ErrMissingToken           = errors.New("configuration missing token")
	ErrInvalidShard           = errors.New("configuration has an invalid shard")
	ErrInvalidCompression     = errors.New("configuration has an invalid compression")
	ErrInvalidSessionStore    = errors.New("configuration has an invalid session store")
	ErrMissingProducerChannel = errors.New("configuration missing producer channel")
)
