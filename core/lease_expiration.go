// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbao/openbao/helper/fairshare"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/custodian/logger"
)

// Storage paths for expiry schedule entries
const (
	expiryStoragePath = dynamicStoragePath + "expiry/"
)

// Configuration constants
const (
	// DefaultExpireWorkerCount is the number of workers in the revocation job pool
	DefaultExpireWorkerCount = 50

	// MaxRevokeAttempts is the number of revocation attempts before a lease
	// is marked failed
	MaxRevokeAttempts = 3

	// RevocationTimeout is the context timeout for each revocation attempt
	RevocationTimeout = 30 * time.Second

	// MaxRevocationBackoff is the maximum backoff duration between retry attempts
	MaxRevocationBackoff = 5 * time.Minute

	// restoreWorkerCount is the number of parallel workers for restoring entries from storage
	restoreWorkerCount = 32
)

// ExpiryEntry is the persisted representation of a scheduled lease expiry
type ExpiryEntry struct {
	LeaseID   string    `json:"lease_id"`
	ConfigID  string    `json:"config_id"`
	Namespace string    `json:"namespace"`
	ExpiresAt time.Time `json:"expires_at"`
}

// pendingExpiry holds in-memory state for a scheduled expiry
type pendingExpiry struct {
	entry          *ExpiryEntry
	timer          *time.Timer
	revokeAttempts int32 // atomic counter
}

// ExpirationManager enforces lease TTLs. Each lease gets one timer;
// re-scheduling the same lease replaces the previous timer so at most
// one expiry job exists per lease. Fired timers queue revocation jobs
// onto a fairshare worker pool, with a small retry budget and
// exponential backoff. Schedule entries persist to storage so timers
// survive a restart.
type ExpirationManager struct {
	leases  *LeaseManager // set via SetLeaseManager; nil skips external revocation
	log     logger.Logger
	storage sdklogical.Storage

	pending sync.Map // leaseID → *pendingExpiry
	failed  sync.Map // leaseID → *ExpiryEntry (exhausted retry budget)

	jobManager *fairshare.JobManager

	// Counts (atomic)
	pendingCount int64
	failedCount  int64

	// Lifecycle
	quitCtx    context.Context
	quitCancel context.CancelFunc

	// Channel for testing - signals when a revocation completes
	revocationDoneCh chan struct{}
}

// NewExpirationManager creates the lease expiry scheduler. workerCount
// <= 0 selects the default pool size.
func NewExpirationManager(log logger.Logger, storage sdklogical.Storage, workerCount int) *ExpirationManager {
	ctx, cancel := context.WithCancel(context.Background())

	if workerCount <= 0 {
		workerCount = DefaultExpireWorkerCount
	}

	// fairshare uses hashicorp's go-hclog
	hclogLogger := logger.NewHCLogAdapter(log.WithSubsystem("jobs"))
	jobManager := fairshare.NewJobManager("expiration", workerCount, hclogLogger, nil)

	m := &ExpirationManager{
		log:              log,
		storage:          storage,
		jobManager:       jobManager,
		quitCtx:          ctx,
		quitCancel:       cancel,
		revocationDoneCh: make(chan struct{}, 100),
	}

	jobManager.Start()

	log.Info("expiration manager started",
		logger.Int("workers", workerCount))

	return m
}

// SetLeaseManager wires the lease manager used for revocation. Set
// once during server assembly, before any timer can fire.
func (m *ExpirationManager) SetLeaseManager(leases *LeaseManager) {
	m.leases = leases
}

// Stop gracefully shuts down the expiration manager
func (m *ExpirationManager) Stop() {
	m.quitCancel()

	count := 0
	m.pending.Range(func(key, value any) bool {
		pe := value.(*pendingExpiry)
		pe.timer.Stop()
		m.pending.Delete(key)
		count++
		return true
	})

	m.jobManager.Stop()

	m.log.Info("expiration manager stopped",
		logger.Int("pending_cancelled", count))
}

// Schedule arms (or re-arms) the expiry timer for a lease. An existing
// timer for the same lease is cancelled first.
func (m *ExpirationManager) Schedule(ctx context.Context, lease *Lease) error {
	entry := &ExpiryEntry{
		LeaseID:   lease.ID,
		ConfigID:  lease.ConfigID,
		Namespace: lease.Namespace,
		ExpiresAt: lease.ExpireAt,
	}

	// Persist first so the schedule survives a crash between persist
	// and arm.
	if m.storage != nil {
		if err := m.persistEntry(entry); err != nil {
			return fmt.Errorf("failed to persist expiry entry: %w", err)
		}
	}

	m.arm(entry, time.Until(entry.ExpiresAt))

	m.log.Debug("scheduled lease expiry",
		logger.String("lease_id", lease.ID),
		logger.Time("expires_at", lease.ExpireAt))

	return nil
}

// arm installs the timer for an entry, replacing any previous one.
func (m *ExpirationManager) arm(entry *ExpiryEntry, wait time.Duration) {
	if wait <= 0 {
		// Already due - fire almost immediately
		wait = time.Millisecond
	}

	pe := &pendingExpiry{entry: entry}
	pe.timer = time.AfterFunc(wait, func() {
		m.onExpire(entry.LeaseID, pe)
	})

	if existing, loaded := m.pending.LoadAndDelete(entry.LeaseID); loaded {
		existing.(*pendingExpiry).timer.Stop()
		atomic.AddInt64(&m.pendingCount, -1)
	}

	m.pending.Store(entry.LeaseID, pe)
	atomic.AddInt64(&m.pendingCount, 1)
}

// Unschedule cancels the expiry timer for a lease, if any.
func (m *ExpirationManager) Unschedule(leaseID string) {
	if existing, loaded := m.pending.LoadAndDelete(leaseID); loaded {
		pe := existing.(*pendingExpiry)
		pe.timer.Stop()
		atomic.AddInt64(&m.pendingCount, -1)

		if m.storage != nil {
			m.deletePersistedEntry(leaseID)
		}
		return
	}

	if _, loaded := m.failed.LoadAndDelete(leaseID); loaded {
		atomic.AddInt64(&m.failedCount, -1)
		if m.storage != nil {
			m.deletePersistedEntry(leaseID)
		}
	}
}

// persistEntry saves an expiry entry to storage
func (m *ExpirationManager) persistEntry(entry *ExpiryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return m.storage.Put(context.Background(), &sdklogical.StorageEntry{
		Key:   expiryStoragePath + entry.LeaseID,
		Value: data,
	})
}

// deletePersistedEntry removes an entry from storage
func (m *ExpirationManager) deletePersistedEntry(leaseID string) error {
	return m.storage.Delete(context.Background(), expiryStoragePath+leaseID)
}

// onExpire is called when a lease's timer fires
func (m *ExpirationManager) onExpire(leaseID string, pe *pendingExpiry) {
	select {
	case <-m.quitCtx.Done():
		return
	default:
	}

	// Queue ID for fairshare: namespace, so one busy namespace cannot
	// starve the rest.
	job := &revocationJob{
		manager: m,
		entry:   pe.entry,
		pending: pe,
	}
	m.jobManager.AddJob(job, pe.entry.Namespace)
}

// revokeExpired performs the revocation for an expired lease.
func (m *ExpirationManager) revokeExpired(entry *ExpiryEntry) error {
	ctx, cancel := context.WithTimeout(m.quitCtx, RevocationTimeout)
	defer cancel()

	if m.leases != nil {
		if err := m.leases.revokeExpiredLease(ctx, entry); err != nil {
			return err
		}
	}

	// Success - clean up
	m.pending.Delete(entry.LeaseID)
	atomic.AddInt64(&m.pendingCount, -1)

	if m.storage != nil {
		if err := m.deletePersistedEntry(entry.LeaseID); err != nil {
			m.log.Warn("failed to delete persisted expiry entry",
				logger.String("lease_id", entry.LeaseID),
				logger.Err(err))
		}
	}

	// Signal completion for testing
	select {
	case m.revocationDoneCh <- struct{}{}:
	default:
	}

	return nil
}

// handleRevocationFailure handles a failed revocation attempt
func (m *ExpirationManager) handleRevocationFailure(entry *ExpiryEntry, pe *pendingExpiry, err error) {
	attempts := atomic.AddInt32(&pe.revokeAttempts, 1)

	m.log.Error("lease revocation failed",
		logger.String("lease_id", entry.LeaseID),
		logger.Int("attempt", int(attempts)),
		logger.Err(err))

	// Errors that retrying cannot fix go terminal immediately
	if isNonRetryable(err) || int(attempts) >= MaxRevokeAttempts {
		m.markFailed(entry, err)
		return
	}

	// Exponential backoff retry: 10s, 20s
	backoff := time.Duration(10<<(attempts-1)) * time.Second
	if backoff > MaxRevocationBackoff {
		backoff = MaxRevocationBackoff
	}

	pe.timer = time.AfterFunc(backoff, func() {
		m.onExpire(entry.LeaseID, pe)
	})

	m.log.Debug("scheduled revocation retry",
		logger.String("lease_id", entry.LeaseID),
		logger.Duration("backoff", backoff))
}

// markFailed moves a lease to the failed tier and flags its stored row.
func (m *ExpirationManager) markFailed(entry *ExpiryEntry, err error) {
	m.pending.Delete(entry.LeaseID)
	atomic.AddInt64(&m.pendingCount, -1)

	m.failed.Store(entry.LeaseID, entry)
	atomic.AddInt64(&m.failedCount, 1)

	if m.leases != nil {
		m.leases.markLeaseFailedDeletion(entry, err)
	}

	if m.storage != nil {
		m.deletePersistedEntry(entry.LeaseID)
	}

	m.log.Error("lease marked failed deletion",
		logger.String("lease_id", entry.LeaseID),
		logger.Err(err))

	// Signal completion for testing
	select {
	case m.revocationDoneCh <- struct{}{}:
	default:
	}
}

// Restore loads all persisted expiry entries on startup and re-arms
// their timers. Entries already past due fire immediately.
func (m *ExpirationManager) Restore(ctx context.Context) error {
	if m.storage == nil {
		m.log.Warn("no storage configured, skipping expiry restore")
		return nil
	}

	m.log.Info("restoring expiry entries from storage")

	ids, err := m.storage.List(ctx, expiryStoragePath)
	if err != nil {
		return fmt.Errorf("failed to list expiry entries: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := m.restoreEntriesParallel(ctx, ids); err != nil {
		return err
	}

	m.log.Info("expiry restore completed",
		logger.Int64("pending", atomic.LoadInt64(&m.pendingCount)))

	return nil
}

// restoreEntriesParallel restores entries using a worker pool
func (m *ExpirationManager) restoreEntriesParallel(ctx context.Context, ids []string) error {
	idCh := make(chan string, len(ids))
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	workerCount := restoreWorkerCount
	if len(ids) < workerCount {
		workerCount = len(ids)
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range idCh {
				if err := m.restoreEntry(ctx, id); err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for _, id := range ids {
		idCh <- id
	}
	close(idCh)

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// restoreEntry restores a single entry from storage
func (m *ExpirationManager) restoreEntry(ctx context.Context, id string) error {
	raw, err := m.storage.Get(ctx, expiryStoragePath+id)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var entry ExpiryEntry
	if err := json.Unmarshal(raw.Value, &entry); err != nil {
		return err
	}

	remaining := time.Until(entry.ExpiresAt)
	if remaining > 0 {
		// Spread restored timers out a little so a restart does not
		// fire them all at once.
		remaining = jitterDuration(remaining, 0.05)
	}
	m.arm(&entry, remaining)

	return nil
}

// GetPendingCount returns the number of scheduled expiries
func (m *ExpirationManager) GetPendingCount() int64 {
	return atomic.LoadInt64(&m.pendingCount)
}

// GetFailedCount returns the number of leases whose revocation exhausted
// the retry budget
func (m *ExpirationManager) GetFailedCount() int64 {
	return atomic.LoadInt64(&m.failedCount)
}
