package provider

import (
	"context"
	"time"
)

// Provider is implemented by plugins that provision short lived
// credentials on an external system. Implementations receive the
// decrypted connection inputs on every call and must not retain them.
type Provider interface {
	// ValidateInputs checks and normalizes raw connection inputs.
	// The returned map is what gets encrypted and stored. Malformed
	// input is reported as a *ValidationError.
	ValidateInputs(raw map[string]any) (map[string]any, error)

	// ValidateConnection verifies the inputs can reach the external
	// system. Called before a configuration is accepted.
	ValidateConnection(ctx context.Context, inputs map[string]any) error

	// Create provisions a credential that the external system should
	// consider valid until expireAt. It returns the external entity
	// identifier used for later renew/revoke calls, plus the secret
	// material handed to the caller.
	Create(ctx context.Context, inputs map[string]any, expireAt time.Time) (externalID string, data map[string]any, err error)

	// Renew extends the external lifetime of an existing credential.
	// Providers may return a new external identifier.
	Renew(ctx context.Context, inputs map[string]any, externalID string, expireAt time.Time) (string, error)

	// Revoke removes the credential from the external system.
	Revoke(ctx context.Context, inputs map[string]any, externalID string) (string, error)
}
