// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a config or lease does not exist
	ErrNotFound = errors.New("not found")

	// ErrConfigDeleting is returned when an operation targets a config
	// that is being deleted or whose deletion failed
	ErrConfigDeleting = errors.New("configuration is being deleted")

	// ErrLeaseLimitExceeded is returned when a config already carries its
	// maximum number of leases
	ErrLeaseLimitExceeded = errors.New("lease limit exceeded for configuration")

	// ErrTTLExceedsMax is returned when a requested TTL would push the
	// expiry past the configured maximum
	ErrTTLExceedsMax = errors.New("requested TTL exceeds maximum TTL")

	// ErrRotationInProgress is returned when a rotation is requested while
	// another holder owns the rotation lock
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrNameTaken is returned when a config name collides inside a namespace
	ErrNameTaken = errors.New("name already in use")

	// ErrSecretKeyConflict is returned when a rotation mapping targets a
	// secret key already managed by another rotation in the same folder
	ErrSecretKeyConflict = errors.New("secret key already managed by another rotation")

	// ErrLeaseNotRevocable is returned when a lease in FailedDeletion state
	// is renewed
	ErrLeaseNotRevocable = errors.New("lease is in failed deletion state")
)

// ProviderConnectionError wraps a failure talking to the external
// system. The wrapped message is already sanitized.
type ProviderConnectionError struct {
	Op           string
	ProviderType string
	Err          error
}

func (e *ProviderConnectionError) Error() string {
	return fmt.Sprintf("provider %s %s failed: %s", e.ProviderType, e.Op, e.Err)
}

func (e *ProviderConnectionError) Unwrap() error {
	return e.Err
}

// IsProviderConnectionError reports whether err carries a *ProviderConnectionError.
func IsProviderConnectionError(err error) bool {
	var pce *ProviderConnectionError
	return errors.As(err, &pce)
}

// isNonRetryable classifies revocation errors that no amount of
// retrying can fix, so the retry budget is not spent on them.
func isNonRetryable(err error) bool {
	return errors.Is(err, ErrNotFound)
}
