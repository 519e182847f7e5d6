package physical

import (
	"fmt"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/custodian/logger"
)

// Factory is the factory function to create a storage backend.
type Factory func(config map[string]string, log logger.Logger) (sdklogical.Storage, error)

var builtinBackends = map[string]Factory{
	"inmem": NewInmemBackend,
	"file":  NewFileBackend,
}

// NewBackend builds the storage backend named by backendType.
func NewBackend(backendType string, config map[string]string, log logger.Logger) (sdklogical.Storage, error) {
	factory, ok := builtinBackends[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend type %q", backendType)
	}
	return factory(config, log)
}

// NewInmemBackend returns a non durable in-memory backend, for
// development and tests.
func NewInmemBackend(_ map[string]string, _ logger.Logger) (sdklogical.Storage, error) {
	return &sdklogical.InmemStorage{}, nil
}
