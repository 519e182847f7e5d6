// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/openbao/openbao/helper/fairshare"
	"github.com/openbao/openbao/helper/namespace"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/custodian/helper"
	"github.com/stephnangue/custodian/logger"
	"github.com/stephnangue/custodian/provider"
)

const (
	// DefaultMaxLeasesPerConfig caps outstanding leases per config when
	// no limit is configured
	DefaultMaxLeasesPerConfig = 100

	// inputCacheTTL bounds how long decrypted provider inputs stay cached
	inputCacheTTL = time.Hour
)

// LeaseManager issues, renews and revokes ephemeral credentials.
// Decrypted provider inputs are cached (ristretto) and concurrent
// decrypts of the same config are deduplicated (singleflight).
type LeaseManager struct {
	log     logger.Logger
	configs *ConfigStore
	leases  *LeaseStore

	barrier    *Barrier
	registry   *provider.Registry
	expiration *ExpirationManager

	maxLeasesPerConfig int

	inputCache *ristretto.Cache[string, map[string]any]
	group      singleflight.Group

	// Worker pool for config pruning jobs
	pruneJobs *fairshare.JobManager

	// Lifecycle
	quitCtx    context.Context
	quitCancel context.CancelFunc

	// Channel for testing - signals when a pruning job completes
	pruneDoneCh chan struct{}
}

// LeaseManagerConfig carries the tunables for a LeaseManager.
type LeaseManagerConfig struct {
	MaxLeasesPerConfig int
}

// NewLeaseManager creates the lease lifecycle manager and wires itself
// into the expiration manager as its revoker.
func NewLeaseManager(log logger.Logger, storage sdklogical.Storage, barrier *Barrier,
	registry *provider.Registry, expiration *ExpirationManager, cfg LeaseManagerConfig) (*LeaseManager, error) {

	maxLeases := cfg.MaxLeasesPerConfig
	if maxLeases <= 0 {
		maxLeases = DefaultMaxLeasesPerConfig
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, map[string]any]{
		NumCounters: 100_000,
		MaxCost:     10 << 20, // 10 MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create input cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	hclogLogger := logger.NewHCLogAdapter(log.WithSubsystem("pruning"))
	pruneJobs := fairshare.NewJobManager("pruning", PruneWorkerCount, hclogLogger, nil)
	pruneJobs.Start()

	m := &LeaseManager{
		log:                log,
		configs:            NewConfigStore(storage),
		leases:             NewLeaseStore(storage),
		barrier:            barrier,
		registry:           registry,
		expiration:         expiration,
		maxLeasesPerConfig: maxLeases,
		inputCache:         cache,
		pruneJobs:          pruneJobs,
		quitCtx:            ctx,
		quitCancel:         cancel,
		pruneDoneCh:        make(chan struct{}, 10),
	}

	if expiration != nil {
		expiration.SetLeaseManager(m)
	}

	return m, nil
}

// Stop shuts down the pruning worker pool.
func (m *LeaseManager) Stop() {
	m.quitCancel()
	m.pruneJobs.Stop()
	m.inputCache.Close()
}

// CreateConfig validates and stores a new dynamic secret config. The
// provider inputs are validated, checked against the live system, then
// sealed through the barrier.
func (m *LeaseManager) CreateConfig(ctx context.Context, name, providerType string,
	rawInputs map[string]any, defaultTTL, maxTTL time.Duration) (*DynamicSecretConfig, error) {

	ns, err := namespace.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace from context: %w", err)
	}

	if defaultTTL <= 0 {
		return nil, provider.NewValidationError("default_ttl", "must be positive")
	}
	// maxTTL is optional; zero means leases have no lifetime bound.
	if maxTTL < 0 {
		return nil, provider.NewValidationError("max_ttl", "cannot be negative")
	}
	if maxTTL > 0 && defaultTTL > maxTTL {
		return nil, provider.NewValidationError("default_ttl", "cannot exceed max_ttl")
	}

	if _, err := m.configs.Get(ctx, ns.ID, name); err == nil {
		return nil, fmt.Errorf("config %s: %w", name, ErrNameTaken)
	}

	p, err := m.registry.GetByType(providerType)
	if err != nil {
		return nil, err
	}

	inputs, err := p.ValidateInputs(rawInputs)
	if err != nil {
		return nil, err
	}

	if err := p.ValidateConnection(ctx, inputs); err != nil {
		return nil, &ProviderConnectionError{
			Op:           "validate",
			ProviderType: providerType,
			Err:          provider.SanitizeError(err, secretValues(inputs)...),
		}
	}

	plaintext, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding provider inputs: %w", err)
	}
	sealed, err := m.barrier.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	config := &DynamicSecretConfig{
		ID:              uuid.NewString(),
		Namespace:       ns.ID,
		Name:            name,
		ProviderType:    providerType,
		EncryptedInputs: sealed,
		DefaultTTL:      defaultTTL,
		MaxTTL:          maxTTL,
		Status:          ConfigStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.configs.Put(ctx, config); err != nil {
		return nil, err
	}

	m.log.Info("created dynamic secret config",
		logger.String("name", name),
		logger.String("provider", providerType))

	return config, nil
}

// GetConfig returns a config by name in the caller's namespace.
func (m *LeaseManager) GetConfig(ctx context.Context, name string) (*DynamicSecretConfig, error) {
	ns, err := namespace.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace from context: %w", err)
	}
	return m.configs.Get(ctx, ns.ID, name)
}

// GetLease returns a lease by ID.
func (m *LeaseManager) GetLease(ctx context.Context, leaseID string) (*Lease, error) {
	return m.leases.Get(ctx, leaseID)
}

// Create issues a new lease against a config. requestedTTL == 0 uses
// the config default. The TTL bound is checked before any provider
// call so a rejected request never provisions anything externally.
func (m *LeaseManager) Create(ctx context.Context, configName string, requestedTTL time.Duration) (*Lease, map[string]any, error) {
	ns, err := namespace.FromContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get namespace from context: %w", err)
	}

	config, err := m.configs.Get(ctx, ns.ID, configName)
	if err != nil {
		return nil, nil, err
	}

	if config.Status != ConfigStatusActive {
		return nil, nil, fmt.Errorf("config %s: %w", configName, ErrConfigDeleting)
	}

	count, err := m.leases.CountByConfig(ctx, config.ID)
	if err != nil {
		return nil, nil, err
	}
	if count >= m.maxLeasesPerConfig {
		return nil, nil, fmt.Errorf("config %s has %d leases: %w", configName, count, ErrLeaseLimitExceeded)
	}

	ttl := requestedTTL
	if ttl <= 0 {
		ttl = config.DefaultTTL
	}
	if config.MaxTTL > 0 && ttl > config.MaxTTL {
		return nil, nil, fmt.Errorf("requested %s, maximum %s: %w", ttl, config.MaxTTL, ErrTTLExceedsMax)
	}

	inputs, err := m.providerInputs(ctx, config)
	if err != nil {
		return nil, nil, err
	}

	p, err := m.registry.GetByType(config.ProviderType)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	expireAt := now.Add(ttl)

	externalID, data, err := p.Create(ctx, inputs, expireAt)
	if err != nil {
		return nil, nil, &ProviderConnectionError{
			Op:           "create",
			ProviderType: config.ProviderType,
			Err:          provider.SanitizeError(err, secretValues(inputs)...),
		}
	}

	lease := &Lease{
		ID:               helper.GenerateLeaseID(),
		ConfigID:         config.ID,
		Namespace:        ns.ID,
		ExternalEntityID: externalID,
		Status:           LeaseStatusActive,
		CreatedAt:        now,
		ExpireAt:         expireAt,
		Version:          1,
	}

	if err := m.leases.Put(ctx, lease); err != nil {
		m.undoCreate(ctx, p, inputs, lease, false)
		return nil, nil, err
	}

	if err := m.expiration.Schedule(ctx, lease); err != nil {
		m.undoCreate(ctx, p, inputs, lease, true)
		return nil, nil, err
	}

	m.log.Info("issued lease",
		logger.String("lease_id", lease.ID),
		logger.String("config", configName),
		logger.String("ttl", helper.FormatTTL(ttl)))

	return lease, data, nil
}

// undoCreate best effort revokes a freshly minted credential whose lease
// row could not be persisted or scheduled, so the external system does not
// accumulate accounts nothing tracks. With deleteRow set the already
// written lease row is removed as well.
func (m *LeaseManager) undoCreate(ctx context.Context, p provider.Provider, inputs map[string]any, lease *Lease, deleteRow bool) {
	if _, err := p.Revoke(ctx, inputs, lease.ExternalEntityID); err != nil {
		m.log.Error("failed to revoke untracked credential, manual cleanup required",
			logger.String("lease_id", lease.ID),
			logger.String("external_id", lease.ExternalEntityID),
			logger.Err(err))
	}
	if deleteRow {
		if err := m.leases.Delete(ctx, lease); err != nil {
			m.log.Error("failed to remove lease row while undoing create",
				logger.String("lease_id", lease.ID), logger.Err(err))
		}
	}
}

// Renew extends a lease. The new expiry is the current expiry plus the
// requested TTL, bounded by CreatedAt + MaxTTL when the config sets a
// max TTL; a renewal that would cross the bound is rejected before the
// provider is called.
func (m *LeaseManager) Renew(ctx context.Context, leaseID string, requestedTTL time.Duration) (*Lease, error) {
	lease, err := m.leases.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.Status == LeaseStatusFailedDeletion {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrLeaseNotRevocable)
	}

	config, err := m.configs.GetByID(ctx, lease.ConfigID)
	if err != nil {
		return nil, err
	}
	if config.Status != ConfigStatusActive {
		return nil, fmt.Errorf("config %s: %w", config.Name, ErrConfigDeleting)
	}

	ttl := requestedTTL
	if ttl <= 0 {
		ttl = config.DefaultTTL
	}

	newExpire := lease.ExpireAt.Add(ttl)
	if config.MaxTTL > 0 && newExpire.After(lease.CreatedAt.Add(config.MaxTTL)) {
		return nil, fmt.Errorf("renewal to %s exceeds lifetime bound: %w",
			newExpire.Format(time.RFC3339), ErrTTLExceedsMax)
	}

	inputs, err := m.providerInputs(ctx, config)
	if err != nil {
		return nil, err
	}

	p, err := m.registry.GetByType(config.ProviderType)
	if err != nil {
		return nil, err
	}

	externalID, err := p.Renew(ctx, inputs, lease.ExternalEntityID, newExpire)
	if err != nil {
		return nil, &ProviderConnectionError{
			Op:           "renew",
			ProviderType: config.ProviderType,
			Err:          provider.SanitizeError(err, secretValues(inputs)...),
		}
	}

	lease.ExpireAt = newExpire
	lease.ExternalEntityID = externalID
	lease.Version++

	if err := m.leases.Put(ctx, lease); err != nil {
		return nil, err
	}

	// Re-arming replaces the previous timer, keeping one job per lease.
	if err := m.expiration.Schedule(ctx, lease); err != nil {
		return nil, err
	}

	m.log.Info("renewed lease",
		logger.String("lease_id", lease.ID),
		logger.Time("expire_at", lease.ExpireAt))

	return lease, nil
}

// Revoke removes a lease. Non-forced revocation that fails externally
// keeps the lease in FailedDeletion with sanitized details; forced
// revocation swallows the failure and deletes the record regardless.
func (m *LeaseManager) Revoke(ctx context.Context, leaseID string, force bool) error {
	lease, err := m.leases.Get(ctx, leaseID)
	if err != nil {
		return err
	}

	revokeErr := m.revokeExternal(ctx, lease)
	if revokeErr != nil {
		if !force {
			lease.Status = LeaseStatusFailedDeletion
			lease.StatusDetails = provider.TruncateError(revokeErr)
			if err := m.leases.Put(ctx, lease); err != nil {
				return err
			}
			m.expiration.Unschedule(lease.ID)
			return revokeErr
		}

		m.log.Warn("forced revoke ignoring provider failure",
			logger.String("lease_id", leaseID),
			logger.Err(revokeErr))
	}

	m.expiration.Unschedule(lease.ID)
	if err := m.leases.Delete(ctx, lease); err != nil {
		return err
	}

	m.log.Info("revoked lease",
		logger.String("lease_id", leaseID),
		logger.Bool("force", force))

	return nil
}

// revokeExternal calls the provider to remove the credential.
func (m *LeaseManager) revokeExternal(ctx context.Context, lease *Lease) error {
	config, err := m.configs.GetByID(ctx, lease.ConfigID)
	if err != nil {
		return err
	}

	inputs, err := m.providerInputs(ctx, config)
	if err != nil {
		return err
	}

	p, err := m.registry.GetByType(config.ProviderType)
	if err != nil {
		return err
	}

	if _, err := p.Revoke(ctx, inputs, lease.ExternalEntityID); err != nil {
		return &ProviderConnectionError{
			Op:           "revoke",
			ProviderType: config.ProviderType,
			Err:          provider.SanitizeError(err, secretValues(inputs)...),
		}
	}
	return nil
}

// revokeExpiredLease handles a fired expiry timer. Called from the
// expiration manager's worker pool.
func (m *LeaseManager) revokeExpiredLease(ctx context.Context, entry *ExpiryEntry) error {
	lease, err := m.leases.Get(ctx, entry.LeaseID)
	if err != nil {
		// Lease already revoked explicitly - nothing to do.
		if isNonRetryable(err) {
			return nil
		}
		return err
	}
	if lease.Status == LeaseStatusFailedDeletion {
		return nil
	}

	if err := m.revokeExternal(ctx, lease); err != nil {
		return err
	}

	return m.leases.Delete(ctx, lease)
}

// markLeaseFailedDeletion flags a lease whose revocation exhausted its
// retry budget. Called from the expiration manager.
func (m *LeaseManager) markLeaseFailedDeletion(entry *ExpiryEntry, err error) {
	ctx := context.Background()

	lease, getErr := m.leases.Get(ctx, entry.LeaseID)
	if getErr != nil {
		m.log.Warn("cannot flag missing lease as failed",
			logger.String("lease_id", entry.LeaseID),
			logger.Err(getErr))
		return
	}

	lease.Status = LeaseStatusFailedDeletion
	lease.StatusDetails = provider.TruncateError(err)

	if putErr := m.leases.Put(ctx, lease); putErr != nil {
		m.log.Error("failed to persist failed deletion status",
			logger.String("lease_id", entry.LeaseID),
			logger.Err(putErr))
	}
}

// providerInputs returns the decrypted connection inputs for a config.
// Hot configs hit the cache; cold ones decrypt once even under
// concurrent lease creation.
func (m *LeaseManager) providerInputs(ctx context.Context, config *DynamicSecretConfig) (map[string]any, error) {
	key := config.ID + ":" + strconv.FormatInt(config.UpdatedAt.UnixNano(), 10)

	if inputs, ok := m.inputCache.Get(key); ok {
		return inputs, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		plaintext, err := m.barrier.Decrypt(ctx, config.EncryptedInputs)
		if err != nil {
			return nil, err
		}

		var inputs map[string]any
		if err := json.Unmarshal(plaintext, &inputs); err != nil {
			return nil, fmt.Errorf("decoding provider inputs for config %s: %w", config.Name, err)
		}

		m.inputCache.SetWithTTL(key, inputs, int64(len(plaintext)), inputCacheTTL)
		return inputs, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]any), nil
}

// secretValues collects the string values of provider inputs for error
// scrubbing.
func secretValues(inputs map[string]any) []string {
	out := make([]string, 0, len(inputs))
	for _, v := range inputs {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
