// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/openbao/openbao/helper/namespace"

	"github.com/stephnangue/custodian/logger"
	"github.com/stephnangue/custodian/provider"
)

const (
	// PruneWorkerCount is the number of workers in the pruning job pool
	PruneWorkerCount = 4

	// PruneTimeout bounds one pruning run
	PruneTimeout = 5 * time.Minute
)

// DeleteConfig removes a dynamic secret config.
//
// Forced deletion cancels every lease timer and deletes all rows with
// no external revocation. Graceful deletion with outstanding leases
// flips the config to Deleting and hands the work to a background
// pruning job; with no leases the config is deleted directly.
func (m *LeaseManager) DeleteConfig(ctx context.Context, name string, force bool) error {
	ns, err := namespace.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get namespace from context: %w", err)
	}

	config, err := m.configs.Get(ctx, ns.ID, name)
	if err != nil {
		return err
	}

	leases, err := m.leases.ListByConfig(ctx, config.ID)
	if err != nil {
		return err
	}

	if force {
		for _, lease := range leases {
			m.expiration.Unschedule(lease.ID)
			if err := m.leases.Delete(ctx, lease); err != nil {
				return err
			}
		}
		if err := m.configs.Delete(ctx, config); err != nil {
			return err
		}
		m.log.Info("force deleted config",
			logger.String("name", name),
			logger.Int("leases_dropped", len(leases)))
		return nil
	}

	if config.Status == ConfigStatusDeleting {
		// A pruning job is already queued for this config.
		return nil
	}

	if len(leases) == 0 {
		if err := m.configs.Delete(ctx, config); err != nil {
			return err
		}
		m.log.Info("deleted config", logger.String("name", name))
		return nil
	}

	config.Status = ConfigStatusDeleting
	config.UpdatedAt = time.Now().UTC()
	if err := m.configs.Put(ctx, config); err != nil {
		return err
	}

	// One pruning job per config; the queue is keyed by config ID so a
	// re-submitted delete cannot double-queue ahead of the status check.
	job := &pruningJob{manager: m, configID: config.ID}
	m.pruneJobs.AddJob(job, config.ID)

	m.log.Info("queued config pruning",
		logger.String("name", name),
		logger.Int("leases", len(leases)))

	return nil
}

// pruneConfig revokes every outstanding lease in parallel, then
// deletes the config. Any revocation failure leaves the config in
// FailedDeletion; pruning is never retried automatically.
func (m *LeaseManager) pruneConfig(configID string) error {
	ctx, cancel := context.WithTimeout(m.quitCtx, PruneTimeout)
	defer cancel()

	config, err := m.configs.GetByID(ctx, configID)
	if err != nil {
		if isNonRetryable(err) {
			return nil
		}
		return err
	}
	if config.Status != ConfigStatusDeleting {
		return nil
	}

	leases, err := m.leases.ListByConfig(ctx, configID)
	if err != nil {
		return m.markConfigFailed(ctx, config, err)
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)

	for _, lease := range leases {
		m.expiration.Unschedule(lease.ID)

		wg.Add(1)
		go func(lease *Lease) {
			defer wg.Done()

			if err := m.revokeExternal(ctx, lease); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("lease %s: %w", lease.ID, err))
				mu.Unlock()
				return
			}
			if err := m.leases.Delete(ctx, lease); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}(lease)
	}
	wg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		return m.markConfigFailed(ctx, config, err)
	}

	if err := m.configs.Delete(ctx, config); err != nil {
		return m.markConfigFailed(ctx, config, err)
	}

	m.log.Info("pruned config",
		logger.String("name", config.Name),
		logger.Int("leases_revoked", len(leases)))

	return nil
}

// markConfigFailed records a terminal pruning failure on the config.
func (m *LeaseManager) markConfigFailed(ctx context.Context, config *DynamicSecretConfig, cause error) error {
	config.Status = ConfigStatusFailedDeletion
	config.StatusDetails = provider.TruncateError(cause)
	config.UpdatedAt = time.Now().UTC()

	if err := m.configs.Put(ctx, config); err != nil {
		m.log.Error("failed to persist failed deletion status",
			logger.String("name", config.Name),
			logger.Err(err))
	}

	m.log.Error("config pruning failed",
		logger.String("name", config.Name),
		logger.Err(cause))

	return cause
}

// pruningJob implements fairshare.Job for config pruning.
type pruningJob struct {
	manager  *LeaseManager
	configID string
}

// Execute implements fairshare.Job.Execute
func (j *pruningJob) Execute() error {
	err := j.manager.pruneConfig(j.configID)

	// Signal completion for testing
	select {
	case j.manager.pruneDoneCh <- struct{}{}:
	default:
	}

	return err
}

// OnFailure implements fairshare.Job.OnFailure
// The config is already marked FailedDeletion; pruning has no retry.
func (j *pruningJob) OnFailure(err error) {
	j.manager.log.Error("pruning job failed",
		logger.String("config_id", j.configID),
		logger.Err(err))
}
