package secretstore

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned when a managed secret does not exist
// at the given folder and key.
var ErrSecretNotFound = errors.New("secret not found")

// Secret is one managed key/value entry inside a folder.
type Secret struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Store is the managed secret store the rotation engine writes mapped
// credentials into. folderID addresses a logical folder (a path in
// path based stores).
type Store interface {
	// Upsert writes the given secrets into the folder, creating or
	// replacing entries by key. Entries not named are left alone.
	Upsert(ctx context.Context, folderID string, secrets []Secret) error

	// Delete removes the named keys from the folder. Missing keys are
	// not an error.
	Delete(ctx context.Context, folderID string, keys []string) error

	// List returns every secret in the folder.
	List(ctx context.Context, folderID string) ([]Secret, error)
}
