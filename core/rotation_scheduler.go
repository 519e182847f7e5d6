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

// Storage paths for rotation schedule entries
const (
	scheduleStoragePath = rotationStoragePath + "schedule/"
)

const (
	// DefaultRotateWorkerCount is the number of workers in the rotation job pool
	DefaultRotateWorkerCount = 10

	// DefaultMaxRotateAttempts is the number of rotation attempts before a
	// config is marked failed
	DefaultMaxRotateAttempts = 3

	// RotationJobTimeout is the context timeout for each rotation attempt
	RotationJobTimeout = 2 * time.Minute

	// MaxRotationBackoff is the maximum backoff duration between retry attempts
	MaxRotationBackoff = 10 * time.Minute
)

// ScheduleEntry is the persisted representation of a scheduled rotation
type ScheduleEntry struct {
	ConfigID  string    `json:"config_id"`
	Namespace string    `json:"namespace"`
	NextAt    time.Time `json:"next_at"`
	QueuedAt  time.Time `json:"queued_at,omitempty"`
}

// pendingRotation holds in-memory state for a scheduled rotation
type pendingRotation struct {
	entry          *ScheduleEntry
	timer          *time.Timer
	rotateAttempts int32 // atomic counter
}

// RotationScheduler fires rotations when they come due. Each config gets one
// timer; re-scheduling replaces the previous timer so at most one rotation
// job exists per config. QueuedAt is stamped when a job is enqueued, and the
// job skips itself when the config was rotated after that stamp, so a manual
// rotation racing a scheduled one never produces a double rotation. Schedule
// entries persist to storage so timers survive a restart.
type RotationScheduler struct {
	rotations *RotationManager // set via SetRotationManager
	log       logger.Logger
	storage   sdklogical.Storage

	pending sync.Map // configID → *pendingRotation

	jobManager *fairshare.JobManager

	maxAttempts int

	// Counts (atomic)
	pendingCount int64

	// Lifecycle
	quitCtx    context.Context
	quitCancel context.CancelFunc

	// Channel for testing - signals when a rotation job finishes
	rotationDoneCh chan struct{}
}

// NewRotationScheduler creates the rotation scheduler. workerCount and
// maxAttempts <= 0 select the defaults.
func NewRotationScheduler(log logger.Logger, storage sdklogical.Storage, workerCount, maxAttempts int) *RotationScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if workerCount <= 0 {
		workerCount = DefaultRotateWorkerCount
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRotateAttempts
	}

	hclogLogger := logger.NewHCLogAdapter(log.WithSubsystem("jobs"))
	jobManager := fairshare.NewJobManager("rotation", workerCount, hclogLogger, nil)

	s := &RotationScheduler{
		log:            log,
		storage:        storage,
		jobManager:     jobManager,
		maxAttempts:    maxAttempts,
		quitCtx:        ctx,
		quitCancel:     cancel,
		rotationDoneCh: make(chan struct{}, 100),
	}

	jobManager.Start()

	log.Info("rotation scheduler started",
		logger.Int("workers", workerCount),
		logger.Int("max_attempts", maxAttempts))

	return s
}

// SetRotationManager wires the manager that performs rotations. Set once
// during server assembly, before any timer can fire.
func (s *RotationScheduler) SetRotationManager(rotations *RotationManager) {
	s.rotations = rotations
}

// Stop gracefully shuts down the scheduler
func (s *RotationScheduler) Stop() {
	s.quitCancel()

	count := 0
	s.pending.Range(func(key, value any) bool {
		pr := value.(*pendingRotation)
		pr.timer.Stop()
		s.pending.Delete(key)
		count++
		return true
	})

	s.jobManager.Stop()

	s.log.Info("rotation scheduler stopped",
		logger.Int("pending_cancelled", count))
}

// Schedule arms (or re-arms) the rotation timer for a config based on its
// NextRotationAt. A config with no due time is unscheduled instead.
func (s *RotationScheduler) Schedule(ctx context.Context, config *RotationConfig) error {
	if config.NextRotationAt.IsZero() {
		s.Unschedule(config.ID)
		return nil
	}

	entry := &ScheduleEntry{
		ConfigID:  config.ID,
		Namespace: config.Namespace,
		NextAt:    config.NextRotationAt,
	}

	// Persist first so the schedule survives a crash between persist
	// and arm.
	if s.storage != nil {
		if err := s.persistEntry(entry); err != nil {
			return fmt.Errorf("failed to persist schedule entry: %w", err)
		}
	}

	s.arm(entry, time.Until(entry.NextAt))

	s.log.Debug("scheduled rotation",
		logger.String("config_id", config.ID),
		logger.Time("next_at", entry.NextAt))

	return nil
}

// arm installs the timer for an entry, replacing any previous one.
func (s *RotationScheduler) arm(entry *ScheduleEntry, wait time.Duration) {
	if wait <= 0 {
		// Already due - fire almost immediately
		wait = time.Millisecond
	}

	pr := &pendingRotation{entry: entry}
	pr.timer = time.AfterFunc(wait, func() {
		s.onDue(pr)
	})

	if existing, loaded := s.pending.LoadAndDelete(entry.ConfigID); loaded {
		existing.(*pendingRotation).timer.Stop()
		atomic.AddInt64(&s.pendingCount, -1)
	}

	s.pending.Store(entry.ConfigID, pr)
	atomic.AddInt64(&s.pendingCount, 1)
}

// Unschedule cancels the rotation timer for a config, if any.
func (s *RotationScheduler) Unschedule(configID string) {
	if existing, loaded := s.pending.LoadAndDelete(configID); loaded {
		pr := existing.(*pendingRotation)
		pr.timer.Stop()
		atomic.AddInt64(&s.pendingCount, -1)
	}

	if s.storage != nil {
		s.deletePersistedEntry(configID)
	}
}

// persistEntry saves a schedule entry to storage
func (s *RotationScheduler) persistEntry(entry *ScheduleEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.storage.Put(context.Background(), &sdklogical.StorageEntry{
		Key:   scheduleStoragePath + entry.ConfigID,
		Value: data,
	})
}

// deletePersistedEntry removes an entry from storage
func (s *RotationScheduler) deletePersistedEntry(configID string) error {
	return s.storage.Delete(context.Background(), scheduleStoragePath+configID)
}

// onDue is called when a config's timer fires. The QueuedAt stamp lets the
// job detect a rotation that happened between enqueue and execution.
func (s *RotationScheduler) onDue(pr *pendingRotation) {
	select {
	case <-s.quitCtx.Done():
		return
	default:
	}

	pr.entry.QueuedAt = time.Now().UTC()
	if s.storage != nil {
		if err := s.persistEntry(pr.entry); err != nil {
			s.log.Warn("failed to persist queued rotation",
				logger.String("config_id", pr.entry.ConfigID),
				logger.Err(err))
		}
	}

	job := &rotationJob{
		scheduler: s,
		entry:     pr.entry,
		pending:   pr,
	}
	s.jobManager.AddJob(job, pr.entry.Namespace)
}

// runScheduled performs one scheduled rotation attempt.
func (s *RotationScheduler) runScheduled(entry *ScheduleEntry) error {
	ctx, cancel := context.WithTimeout(s.quitCtx, RotationJobTimeout)
	defer cancel()

	config, err := s.rotations.GetConfig(ctx, entry.ConfigID)
	if err != nil {
		if isNonRetryable(err) {
			// Config deleted while queued
			s.cleanup(entry)
			s.signalDone()
			return nil
		}
		return err
	}

	if !config.IsAutoRotationEnabled {
		s.cleanup(entry)
		s.signalDone()
		return nil
	}

	// A rotation since this job was queued, manual or otherwise, already
	// produced fresh credentials and a new schedule. Running again would
	// rotate twice for one due time.
	if !entry.QueuedAt.IsZero() && !config.LastRotatedAt.Before(entry.QueuedAt) {
		s.log.Debug("skipping rotation, already rotated after queue time",
			logger.String("config_id", entry.ConfigID),
			logger.Time("last_rotated_at", config.LastRotatedAt),
			logger.Time("queued_at", entry.QueuedAt))
		s.signalDone()
		return nil
	}

	if err := s.rotations.Rotate(ctx, entry.ConfigID, false); err != nil {
		return err
	}

	// Success. Rotate re-armed the schedule through Schedule, replacing
	// both the pending entry and the persisted row, so nothing to clean.
	s.signalDone()
	return nil
}

// handleRotationFailure handles a failed rotation attempt
func (s *RotationScheduler) handleRotationFailure(entry *ScheduleEntry, pr *pendingRotation, err error) {
	attempts := atomic.AddInt32(&pr.rotateAttempts, 1)

	s.log.Error("scheduled rotation failed",
		logger.String("config_id", entry.ConfigID),
		logger.Int("attempt", int(attempts)),
		logger.Err(err))

	if int(attempts) >= s.maxAttempts {
		s.markFailed(entry, err)
		return
	}

	// Exponential backoff retry: 10s, 20s
	backoff := time.Duration(10<<(attempts-1)) * time.Second
	if backoff > MaxRotationBackoff {
		backoff = MaxRotationBackoff
	}

	pr.timer = time.AfterFunc(backoff, func() {
		s.onDue(pr)
	})

	s.log.Debug("scheduled rotation retry",
		logger.String("config_id", entry.ConfigID),
		logger.Duration("backoff", backoff))
}

// markFailed records the failure on the config once the attempt budget is
// spent. The manager computes the recovery schedule and re-arms it.
func (s *RotationScheduler) markFailed(entry *ScheduleEntry, cause error) {
	ctx, cancel := context.WithTimeout(s.quitCtx, RotationJobTimeout)
	defer cancel()

	config, err := s.rotations.GetConfig(ctx, entry.ConfigID)
	if err != nil {
		s.cleanup(entry)
		s.log.Error("failed to load config after rotation attempts exhausted",
			logger.String("config_id", entry.ConfigID),
			logger.Err(err))
		s.signalDone()
		return
	}

	s.rotations.markRotationFailed(ctx, config, false, cause)
	s.signalDone()
}

// cleanup drops the pending timer and persisted row for an entry.
func (s *RotationScheduler) cleanup(entry *ScheduleEntry) {
	if existing, loaded := s.pending.LoadAndDelete(entry.ConfigID); loaded {
		existing.(*pendingRotation).timer.Stop()
		atomic.AddInt64(&s.pendingCount, -1)
	}
	if s.storage != nil {
		s.deletePersistedEntry(entry.ConfigID)
	}
}

func (s *RotationScheduler) signalDone() {
	select {
	case s.rotationDoneCh <- struct{}{}:
	default:
	}
}

// Restore loads all persisted schedule entries on startup and re-arms their
// timers. Entries already past due fire immediately.
func (s *RotationScheduler) Restore(ctx context.Context) error {
	if s.storage == nil {
		s.log.Warn("no storage configured, skipping rotation schedule restore")
		return nil
	}

	s.log.Info("restoring rotation schedule from storage")

	ids, err := s.storage.List(ctx, scheduleStoragePath)
	if err != nil {
		return fmt.Errorf("failed to list schedule entries: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

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
				if err := s.restoreEntry(ctx, id); err != nil {
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
	}

	s.log.Info("rotation schedule restore completed",
		logger.Int64("pending", atomic.LoadInt64(&s.pendingCount)))

	return nil
}

// restoreEntry restores a single entry from storage
func (s *RotationScheduler) restoreEntry(ctx context.Context, id string) error {
	raw, err := s.storage.Get(ctx, scheduleStoragePath+id)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var entry ScheduleEntry
	if err := json.Unmarshal(raw.Value, &entry); err != nil {
		return err
	}

	remaining := time.Until(entry.NextAt)
	if remaining > 0 {
		// Spread restored timers out a little so a restart does not
		// fire them all at once.
		remaining = jitterDuration(remaining, 0.05)
	}
	s.arm(&entry, remaining)

	return nil
}

// GetPendingCount returns the number of scheduled rotations
func (s *RotationScheduler) GetPendingCount() int64 {
	return atomic.LoadInt64(&s.pendingCount)
}
