// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/custodian/provider"
)

func TestLeaseManager_CreateConfig(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, "pg-readonly", "fake",
		map[string]any{"host": "db.internal", "password": "hunter2"},
		time.Hour, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ConfigStatusActive, config.Status)
	assert.NotEmpty(t, config.ID)

	// Inputs are sealed, not stored in the clear
	assert.NotContains(t, string(config.EncryptedInputs), "hunter2")

	got, err := env.manager.GetConfig(ctx, "pg-readonly")
	require.NoError(t, err)
	assert.Equal(t, config.ID, got.ID)
}

func TestLeaseManager_CreateConfig_TTLValidation(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "bad", "fake", nil, 4*time.Hour, time.Hour)
	require.Error(t, err)
	assert.True(t, provider.IsValidationError(err))

	_, err = env.manager.CreateConfig(ctx, "bad", "fake", nil, 0, time.Hour)
	require.Error(t, err)
	assert.True(t, provider.IsValidationError(err))
}

func TestLeaseManager_CreateConfig_NameTaken(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.NoError(t, err)

	_, err = env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestLeaseManager_CreateConfig_ConnectionFailureSanitized(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	env.provider.validateErr = errors.New("auth failed for password hunter2")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake",
		map[string]any{"password": "hunter2"}, time.Hour, 2*time.Hour)
	require.Error(t, err)
	assert.True(t, IsProviderConnectionError(err))
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "<redacted>")
}

func TestLeaseManager_CreateLease_PersistFailureRevokes(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, "pg", "fake",
		map[string]any{"host": "db.internal"}, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	env.storage.trip(dynamicLeasePath)

	_, _, err = env.manager.Create(ctx, "pg", 0)
	require.Error(t, err)

	// The minted credential was revoked rather than left untracked
	assert.Equal(t, 1, env.provider.getRevokeCalls())
	assert.Equal(t, int64(0), env.expiration.GetPendingCount())

	count, err := env.manager.leases.CountByConfig(ctx, config.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLeaseManager_CreateLease(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake",
		map[string]any{"host": "db.internal"}, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	before := time.Now().UTC()
	lease, data, err := env.manager.Create(ctx, "pg", 0)
	require.NoError(t, err)

	assert.Equal(t, LeaseStatusActive, lease.Status)
	assert.Equal(t, "ext-1", lease.ExternalEntityID)
	assert.Equal(t, 1, lease.Version)
	assert.Equal(t, "u-ext-1", data["username"])

	// Default TTL applies when none is requested
	assert.WithinDuration(t, before.Add(time.Hour), lease.ExpireAt, 5*time.Second)

	// Expiry timer armed
	assert.Equal(t, int64(1), env.expiration.GetPendingCount())

	got, err := env.manager.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.ExternalEntityID, got.ExternalEntityID)
}

func TestLeaseManager_CreateLease_TTLCheckedBeforeProvider(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.NoError(t, err)

	_, _, err = env.manager.Create(ctx, "pg", 3*time.Hour)
	require.ErrorIs(t, err, ErrTTLExceedsMax)

	// The provider was never asked to provision anything
	env.provider.mu.Lock()
	assert.Equal(t, 0, env.provider.createCalls)
	env.provider.mu.Unlock()
}

func TestLeaseManager_CreateLease_LimitEnforced(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.NoError(t, err)

	// Env is wired with a limit of 3
	for i := 0; i < 3; i++ {
		_, _, err := env.manager.Create(ctx, "pg", 0)
		require.NoError(t, err)
	}

	_, _, err = env.manager.Create(ctx, "pg", 0)
	require.ErrorIs(t, err, ErrLeaseLimitExceeded)
}

func TestLeaseManager_CreateLease_ConfigDeleting(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.NoError(t, err)

	config.Status = ConfigStatusDeleting
	require.NoError(t, env.manager.configs.Put(ctx, config))

	_, _, err = env.manager.Create(ctx, "pg", 0)
	require.ErrorIs(t, err, ErrConfigDeleting)
}

func TestLeaseManager_Renew(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", time.Hour)
	require.NoError(t, err)
	firstExpire := lease.ExpireAt

	renewed, err := env.manager.Renew(ctx, lease.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, firstExpire.Add(time.Hour), renewed.ExpireAt)
	assert.Equal(t, 2, renewed.Version)

	// Still one timer for this lease
	assert.Equal(t, int64(1), env.expiration.GetPendingCount())
}

func TestLeaseManager_NoMaxTTL(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	// A zero max TTL means leases have no lifetime bound.
	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 0)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", 24*time.Hour)
	require.NoError(t, err)

	// Renewals never hit a bound.
	renewed, err := env.manager.Renew(ctx, lease.ID, 24*time.Hour)
	require.NoError(t, err)
	renewed, err = env.manager.Renew(ctx, renewed.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, lease.ExpireAt.Add(48*time.Hour), renewed.ExpireAt)

	// Negative max TTL is still rejected.
	_, err = env.manager.CreateConfig(ctx, "pg-neg", "fake", nil, time.Hour, -time.Hour)
	require.Error(t, err)
	assert.True(t, provider.IsValidationError(err))
}

func TestLeaseManager_Renew_BoundedByMaxTTL(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 2*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", time.Hour)
	require.NoError(t, err)

	// One more hour fits exactly, a second does not
	_, err = env.manager.Renew(ctx, lease.ID, time.Hour)
	require.NoError(t, err)

	_, err = env.manager.Renew(ctx, lease.ID, time.Hour)
	require.ErrorIs(t, err, ErrTTLExceedsMax)

	env.provider.mu.Lock()
	assert.Equal(t, 1, env.provider.renewCalls)
	env.provider.mu.Unlock()
}

func TestLeaseManager_Renew_FailedDeletionLease(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", 0)
	require.NoError(t, err)

	lease.Status = LeaseStatusFailedDeletion
	require.NoError(t, env.manager.leases.Put(ctx, lease))

	_, err = env.manager.Renew(ctx, lease.ID, time.Hour)
	require.ErrorIs(t, err, ErrLeaseNotRevocable)
}

func TestLeaseManager_Revoke(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", 0)
	require.NoError(t, err)

	require.NoError(t, env.manager.Revoke(ctx, lease.ID, false))

	_, err = env.manager.GetLease(ctx, lease.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), env.expiration.GetPendingCount())
	assert.Equal(t, 1, env.provider.getRevokeCalls())
}

func TestLeaseManager_Revoke_FailureMarksLease(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", 0)
	require.NoError(t, err)

	env.provider.revokeErr = errors.New("connection refused: " + strings.Repeat("x", 500))

	err = env.manager.Revoke(ctx, lease.ID, false)
	require.Error(t, err)

	// The lease remains, flagged, with bounded details
	got, err := env.manager.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, LeaseStatusFailedDeletion, got.Status)
	assert.NotEmpty(t, got.StatusDetails)
	assert.LessOrEqual(t, len(got.StatusDetails), 255)
	assert.Equal(t, int64(0), env.expiration.GetPendingCount())
}

func TestLeaseManager_Revoke_ForcedSwallowsFailure(t *testing.T) {
	env := createTestLeaseManager(t)
	ctx := createTestNamespaceContext("ns-1")

	_, err := env.manager.CreateConfig(ctx, "pg", "fake", nil, time.Hour, 4*time.Hour)
	require.NoError(t, err)

	lease, _, err := env.manager.Create(ctx, "pg", 0)
	require.NoError(t, err)

	env.provider.revokeErr = errors.New("connection refused")

	require.NoError(t, env.manager.Revoke(ctx, lease.ID, true))

	_, err = env.manager.GetLease(ctx, lease.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), env.expiration.GetPendingCount())
}
