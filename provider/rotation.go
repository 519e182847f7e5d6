package provider

import (
	"context"
	"time"
)

// RotatedCredentials is one generation of rotated secret material.
// ExternalID identifies the account or key on the external system,
// Secrets carries the material itself, RotatedAt is set by the factory
// when the generation was produced.
type RotatedCredentials struct {
	ExternalID string         `json:"external_id"`
	Secrets    map[string]any `json:"secrets"`
	RotatedAt  time.Time      `json:"rotated_at"`
}

// SecretKV is a single key/value pair written to the managed secret
// store after a successful rotation.
type SecretKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RotationFactory is implemented by plugins that rotate long lived
// credentials on an external system. conn carries the decrypted
// connection inputs, params the rotation parameters from the
// configuration.
//
// Factories return the new credential material and never persist it
// themselves. The rotation manager owns persistence and, when it
// fails after the external system already changed, attempts rollback
// through Revertible if the factory implements it.
type RotationFactory interface {
	// IssueCredentials produces the first generation when a rotation
	// configuration is created.
	IssueCredentials(ctx context.Context, conn, params map[string]any) (*RotatedCredentials, error)

	// RotateCredentials replaces the standby generation. active is the
	// generation currently in use and must not be touched; standby is
	// the generation to overwrite and may be nil on the first rotation.
	RotateCredentials(ctx context.Context, conn, params map[string]any, standby, active *RotatedCredentials) (*RotatedCredentials, error)

	// RevokeCredentials removes every populated generation from the
	// external system.
	RevokeCredentials(ctx context.Context, conn, params map[string]any, all []*RotatedCredentials) error

	// CredentialsToSecretPayload maps a generation to the key/value
	// pairs written into the managed secret store.
	CredentialsToSecretPayload(cred *RotatedCredentials) []SecretKV
}

// Revertible is optionally implemented by factories that can undo a
// provisioned generation. The rotation manager calls it best effort
// when credential persistence fails after the external system already
// accepted the new material.
type Revertible interface {
	RevertCredentials(ctx context.Context, conn, params map[string]any, cred *RotatedCredentials) error
}
