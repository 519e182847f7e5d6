// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationScheduler_ScheduledRotationFires(t *testing.T) {
	env := createTestRotationScheduler(t, 0)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, testRotationParams())
	require.NoError(t, err)

	// Pull the due time in so the timer fires now
	config.NextRotationAt = time.Now().UTC()
	require.NoError(t, env.scheduler.Schedule(ctx, config))

	waitForSignal(t, env.scheduler.rotationDoneCh)

	assert.Equal(t, 1, env.factory.getRotateCalls())

	got, err := env.manager.GetConfig(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveIndex)
	assert.Equal(t, RotationStatusSuccess, got.LastRotationStatus)

	// Rotation re-armed its own schedule
	assert.Equal(t, int64(1), env.scheduler.GetPendingCount())
	assert.True(t, got.NextRotationAt.After(time.Now()))
}

func TestRotationScheduler_SkipsWhenRotatedAfterQueueing(t *testing.T) {
	env := createTestRotationScheduler(t, 0)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, testRotationParams())
	require.NoError(t, err)

	// The config was rotated after this job was queued, so running it
	// would rotate twice for one due time
	entry := &ScheduleEntry{
		ConfigID:  config.ID,
		Namespace: config.Namespace,
		NextAt:    config.LastRotatedAt,
		QueuedAt:  config.LastRotatedAt.Add(-time.Minute),
	}
	require.NoError(t, env.scheduler.runScheduled(entry))

	assert.Equal(t, 0, env.factory.getRotateCalls())
}

func TestRotationScheduler_DisabledConfigNotScheduled(t *testing.T) {
	env := createTestRotationScheduler(t, 0)
	ctx := createTestNamespaceContext("ns-1")

	params := testRotationParams()
	params.IsAutoRotationEnabled = false
	config, err := env.manager.CreateConfig(ctx, params)
	require.NoError(t, err)

	assert.True(t, config.NextRotationAt.IsZero())
	assert.Equal(t, int64(0), env.scheduler.GetPendingCount())

	// A stale entry for it cleans itself up without rotating
	entry := &ScheduleEntry{
		ConfigID:  config.ID,
		Namespace: config.Namespace,
		NextAt:    time.Now().UTC(),
		QueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, env.scheduler.runScheduled(entry))
	assert.Equal(t, 0, env.factory.getRotateCalls())
}

func TestRotationScheduler_DeletedConfigCleanedUp(t *testing.T) {
	env := createTestRotationScheduler(t, 0)

	entry := &ScheduleEntry{
		ConfigID:  "gone",
		Namespace: "ns-1",
		NextAt:    time.Now().UTC(),
		QueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, env.scheduler.runScheduled(entry))
	assert.Equal(t, 0, env.factory.getRotateCalls())
}

func TestRotationScheduler_FailureMarksConfigAfterAttempts(t *testing.T) {
	// Single attempt budget so the failure goes terminal immediately
	env := createTestRotationScheduler(t, 1)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, testRotationParams())
	require.NoError(t, err)

	env.factory.rotateErr = errors.New("alter user failed")

	config.NextRotationAt = time.Now().UTC()
	require.NoError(t, env.scheduler.Schedule(ctx, config))

	waitForSignal(t, env.scheduler.rotationDoneCh)

	got, err := env.manager.GetConfig(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, RotationStatusFailed, got.LastRotationStatus)
	assert.NotEmpty(t, got.LastRotationMessage)
	assert.False(t, got.IsLastRotationManual)
	assert.False(t, got.LastRotationAttemptedAt.IsZero())

	// Active generation untouched, recovery scheduled
	assert.Equal(t, 0, got.ActiveIndex)
	assert.False(t, got.NextRotationAt.IsZero())
}

func TestRotationScheduler_Restore(t *testing.T) {
	env := createTestRotationScheduler(t, 0)
	ctx := createTestNamespaceContext("ns-1")

	config, err := env.manager.CreateConfig(ctx, testRotationParams())
	require.NoError(t, err)
	require.False(t, config.NextRotationAt.IsZero())

	// A fresh scheduler over the same storage picks the entry back up
	restored := NewRotationScheduler(createTestLogger(t), env.storage, 2, 0)
	restored.SetRotationManager(env.manager)
	defer restored.Stop()

	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, int64(1), restored.GetPendingCount())
}
