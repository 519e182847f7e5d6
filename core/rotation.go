// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openbao/openbao/helper/namespace"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/custodian/helper"
	"github.com/stephnangue/custodian/lock"
	"github.com/stephnangue/custodian/logger"
	"github.com/stephnangue/custodian/provider"
	"github.com/stephnangue/custodian/secretstore"
)

const (
	// DefaultRotationLockTTL bounds how long a crashed rotation can hold
	// its lock before another node may proceed
	DefaultRotationLockTTL = 60 * time.Second

	// credentialSlots is the number of credential generations kept alive
	// so consumers holding the previous generation keep working through
	// a rotation
	credentialSlots = 2
)

// RotationManager rotates long lived credentials on a schedule while keeping
// the previous generation valid. Credentials live in two slots; a rotation
// always replaces the standby slot and flips the active index only after the
// new generation is fully written out, so a failure mid-rotation never
// invalidates the credentials consumers are using.
type RotationManager struct {
	log   logger.Logger
	store *RotationStore

	barrier   *Barrier
	factories *provider.FactoryRegistry
	secrets   secretstore.Store
	locks     lock.Backend

	scheduler *RotationScheduler

	lockTTL    time.Duration
	resolution IntervalResolution

	// now is swappable so schedule math can be driven in tests
	now func() time.Time
}

// RotationManagerConfig carries the tunables for a RotationManager.
type RotationManagerConfig struct {
	LockTTL    time.Duration
	Resolution IntervalResolution
}

func NewRotationManager(log logger.Logger, storage sdklogical.Storage, barrier *Barrier,
	factories *provider.FactoryRegistry, secrets secretstore.Store, locks lock.Backend,
	conf RotationManagerConfig,
) *RotationManager {
	lockTTL := conf.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultRotationLockTTL
	}

	return &RotationManager{
		log:        log.WithSubsystem("rotation"),
		store:      NewRotationStore(storage),
		barrier:    barrier,
		factories:  factories,
		secrets:    secrets,
		locks:      locks,
		lockTTL:    lockTTL,
		resolution: conf.Resolution,
		now:        time.Now,
	}
}

// SetScheduler wires the scheduler that re-arms timers after state changes.
// Must be called before any rotation activity.
func (m *RotationManager) SetScheduler(s *RotationScheduler) {
	m.scheduler = s
}

// CreateRotationParams describes a new rotation config.
type CreateRotationParams struct {
	Name           string
	FactoryType    string
	Connection     map[string]any
	Parameters     map[string]any
	SecretsMapping []SecretMapping
	FolderID       string

	IsAutoRotationEnabled bool
	Interval              int
	RotateAt              RotateAtUTC
}

// CreateConfig issues the first credential generation, writes the mapped
// secrets and persists the config. When persistence fails after credentials
// were issued, the credentials are best effort reverted so the external
// system is not left with an orphan.
func (m *RotationManager) CreateConfig(ctx context.Context, params CreateRotationParams) (*RotationConfig, error) {
	ns, err := namespace.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	if params.Name == "" {
		return nil, provider.NewValidationError("name", "must not be empty")
	}
	if params.Interval <= 0 {
		return nil, provider.NewValidationError("interval", "must be positive")
	}
	if params.RotateAt.Hours < 0 || params.RotateAt.Hours > 23 ||
		params.RotateAt.Minutes < 0 || params.RotateAt.Minutes > 59 {
		return nil, provider.NewValidationError("rotate_at", "must be a valid hh:mm UTC time")
	}
	if len(params.SecretsMapping) == 0 {
		return nil, provider.NewValidationError("secrets_mapping", "must not be empty")
	}

	taken, err := m.store.NameExists(ctx, ns.ID, params.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("rotation %q: %w", params.Name, ErrNameTaken)
	}

	if err := m.checkSecretKeyConflicts(ctx, ns.ID, params.FolderID, params.SecretsMapping, ""); err != nil {
		return nil, err
	}

	factory, err := m.factories.GetByType(params.FactoryType)
	if err != nil {
		return nil, err
	}

	creds, err := factory.IssueCredentials(ctx, params.Connection, params.Parameters)
	if err != nil {
		return nil, &ProviderConnectionError{
			Op:           "issue",
			ProviderType: params.FactoryType,
			Err:          provider.SanitizeError(err, rotationSecretValues(params.Connection)...),
		}
	}
	now := m.now().UTC()
	if creds.RotatedAt.IsZero() {
		creds.RotatedAt = now
	}

	encConn, err := m.encryptJSON(ctx, params.Connection)
	if err != nil {
		return nil, m.revertOnError(ctx, factory, params.Connection, params.Parameters, creds, err)
	}
	encCreds, err := m.encryptCredentials(ctx, []*provider.RotatedCredentials{creds})
	if err != nil {
		return nil, m.revertOnError(ctx, factory, params.Connection, params.Parameters, creds, err)
	}

	config := &RotationConfig{
		ID:                      uuid.NewString(),
		Namespace:               ns.ID,
		Name:                    params.Name,
		FactoryType:             params.FactoryType,
		EncryptedConnection:     encConn,
		Parameters:              params.Parameters,
		SecretsMapping:          params.SecretsMapping,
		FolderID:                params.FolderID,
		IsAutoRotationEnabled:   params.IsAutoRotationEnabled,
		Interval:                params.Interval,
		RotateAt:                params.RotateAt,
		ActiveIndex:             0,
		EncryptedCredentials:    encCreds,
		LastRotatedAt:           now,
		LastRotationAttemptedAt: now,
		LastRotationStatus:      RotationStatusSuccess,
		NextRotationAt:          time.Time{},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	config.NextRotationAt = NextRotation(config, false, now, m.resolution)

	if err := m.writeMappedSecrets(ctx, config, factory, creds); err != nil {
		return nil, m.revertOnError(ctx, factory, params.Connection, params.Parameters, creds, err)
	}
	if err := m.store.Put(ctx, config); err != nil {
		// There is no prior generation to fall back to, so clear the
		// mapped keys rather than leave them pointing at a credential
		// about to be reverted.
		keys := make([]string, 0, len(config.SecretsMapping))
		for _, mapping := range config.SecretsMapping {
			keys = append(keys, mapping.SecretKey)
		}
		if derr := m.secrets.Delete(ctx, config.FolderID, keys); derr != nil {
			m.log.Error("failed to remove mapped secrets while undoing create",
				logger.String("config_id", config.ID), logger.Err(derr))
		}
		return nil, m.revertOnError(ctx, factory, params.Connection, params.Parameters, creds, err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Schedule(ctx, config); err != nil {
			m.log.Error("failed to schedule rotation",
				logger.String("config_id", config.ID), logger.Err(err))
		}
	}

	m.log.Info("rotation config created",
		logger.String("config_id", config.ID),
		logger.String("name", config.Name),
		logger.String("factory_type", config.FactoryType),
		logger.Time("next_rotation", config.NextRotationAt))

	return config, nil
}

// GetConfig returns a rotation config by ID.
func (m *RotationManager) GetConfig(ctx context.Context, id string) (*RotationConfig, error) {
	return m.store.Get(ctx, id)
}

// ActiveCredentials decrypts and returns the credential generation consumers
// should be using.
func (m *RotationManager) ActiveCredentials(ctx context.Context, id string) (*provider.RotatedCredentials, error) {
	config, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	creds, err := m.decryptCredentials(ctx, config.EncryptedCredentials)
	if err != nil {
		return nil, err
	}
	if config.ActiveIndex < 0 || config.ActiveIndex >= len(creds) {
		return nil, fmt.Errorf("rotation %s: active slot %d out of range", id, config.ActiveIndex)
	}
	return creds[config.ActiveIndex], nil
}

// Rotate produces a new credential generation for the config, replacing the
// standby slot. Only one rotation may run per config at a time; a second
// caller fails fast with ErrRotationInProgress instead of queueing.
//
// Manual rotations mark the config failed on error. Scheduled rotations leave
// that to the retry logic in the scheduler, which marks failure only once the
// attempt budget is spent.
func (m *RotationManager) Rotate(ctx context.Context, id string, manual bool) error {
	handle, err := m.locks.Acquire(ctx, "rotation/"+id, m.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return fmt.Errorf("rotation %s: %w", id, ErrRotationInProgress)
		}
		return err
	}
	defer func() {
		if err := handle.Release(context.Background()); err != nil {
			m.log.Warn("failed to release rotation lock",
				logger.String("config_id", id), logger.Err(err))
		}
	}()

	config, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	factory, err := m.factories.GetByType(config.FactoryType)
	if err != nil {
		return err
	}

	conn, err := m.decryptConnection(ctx, config)
	if err != nil {
		return err
	}
	creds, err := m.decryptCredentials(ctx, config.EncryptedCredentials)
	if err != nil {
		return err
	}
	if config.ActiveIndex < 0 || config.ActiveIndex >= len(creds) {
		return fmt.Errorf("rotation %s: active slot %d out of range", id, config.ActiveIndex)
	}

	active := creds[config.ActiveIndex]
	standbyIdx := (config.ActiveIndex + 1) % credentialSlots
	var standby *provider.RotatedCredentials
	if standbyIdx < len(creds) {
		standby = creds[standbyIdx]
	}

	newCreds, err := factory.RotateCredentials(ctx, conn, config.Parameters, standby, active)
	if err != nil {
		rotateErr := &ProviderConnectionError{
			Op:           "rotate",
			ProviderType: config.FactoryType,
			Err:          provider.SanitizeError(err, rotationSecretValues(conn)...),
		}
		if manual {
			m.markRotationFailed(ctx, config, true, rotateErr)
		}
		return rotateErr
	}

	now := m.now().UTC()
	if newCreds.RotatedAt.IsZero() {
		newCreds.RotatedAt = now
	}
	if standbyIdx < len(creds) {
		creds[standbyIdx] = newCreds
	} else {
		creds = append(creds, newCreds)
	}

	if err := m.writeMappedSecrets(ctx, config, factory, newCreds); err != nil {
		return m.rollbackRotation(ctx, config, factory, conn, active, newCreds, err)
	}

	encCreds, err := m.encryptCredentials(ctx, creds)
	if err != nil {
		return m.rollbackRotation(ctx, config, factory, conn, active, newCreds, err)
	}

	config.EncryptedCredentials = encCreds
	config.ActiveIndex = standbyIdx
	config.LastRotatedAt = now
	config.LastRotationAttemptedAt = now
	config.IsLastRotationManual = manual
	config.LastRotationStatus = RotationStatusSuccess
	config.LastRotationMessage = ""
	config.UpdatedAt = now
	config.NextRotationAt = NextRotation(config, manual, now, m.resolution)

	if err := m.store.Put(ctx, config); err != nil {
		return m.rollbackRotation(ctx, config, factory, conn, active, newCreds, err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Schedule(ctx, config); err != nil {
			m.log.Error("failed to reschedule rotation",
				logger.String("config_id", config.ID), logger.Err(err))
		}
	}

	m.log.Info("credentials rotated",
		logger.String("config_id", config.ID),
		logger.Int("active_index", config.ActiveIndex),
		logger.Bool("manual", manual),
		logger.Time("next_rotation", config.NextRotationAt))

	return nil
}

// DeleteConfig removes a rotation config. With revokeCredentials set, every
// live generation is revoked first and a revocation failure leaves the config
// fully intact so the operation can be retried. With removeSecrets set, the
// mapped keys are deleted from the secret store.
func (m *RotationManager) DeleteConfig(ctx context.Context, id string, removeSecrets, revokeCredentials bool) error {
	config, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if revokeCredentials {
		factory, err := m.factories.GetByType(config.FactoryType)
		if err != nil {
			return err
		}
		conn, err := m.decryptConnection(ctx, config)
		if err != nil {
			return err
		}
		creds, err := m.decryptCredentials(ctx, config.EncryptedCredentials)
		if err != nil {
			return err
		}
		if err := factory.RevokeCredentials(ctx, conn, config.Parameters, creds); err != nil {
			return &ProviderConnectionError{
				Op:           "revoke",
				ProviderType: config.FactoryType,
				Err:          provider.SanitizeError(err, rotationSecretValues(conn)...),
			}
		}
	}

	if removeSecrets {
		keys := make([]string, 0, len(config.SecretsMapping))
		for _, mapping := range config.SecretsMapping {
			keys = append(keys, mapping.SecretKey)
		}
		if err := m.secrets.Delete(ctx, config.FolderID, keys); err != nil {
			return fmt.Errorf("removing mapped secrets for rotation %s: %w", id, err)
		}
	}

	if m.scheduler != nil {
		m.scheduler.Unschedule(id)
	}
	if err := m.store.Delete(ctx, config); err != nil {
		return err
	}

	m.log.Info("rotation config deleted",
		logger.String("config_id", id),
		logger.String("name", config.Name))
	return nil
}

// markRotationFailed records a terminal failure on the config and schedules
// the recovery attempt at the next occurrence of the configured rotation time.
func (m *RotationManager) markRotationFailed(ctx context.Context, config *RotationConfig, manual bool, cause error) {
	now := m.now().UTC()
	config.LastRotationAttemptedAt = now
	config.IsLastRotationManual = manual
	config.LastRotationStatus = RotationStatusFailed
	config.LastRotationMessage = provider.TruncateError(cause)
	config.UpdatedAt = now
	config.NextRotationAt = NextRotation(config, false, now, m.resolution)

	if err := m.store.Put(ctx, config); err != nil {
		m.log.Error("failed to record rotation failure",
			logger.String("config_id", config.ID), logger.Err(err))
		return
	}
	if m.scheduler != nil {
		if err := m.scheduler.Schedule(ctx, config); err != nil {
			m.log.Error("failed to schedule rotation retry",
				logger.String("config_id", config.ID), logger.Err(err))
		}
	}

	m.log.Error("rotation failed",
		logger.String("config_id", config.ID),
		logger.String("name", config.Name),
		logger.Err(cause),
		logger.Time("next_rotation", config.NextRotationAt))
}

// checkSecretKeyConflicts rejects a mapping that would have two rotations
// writing the same key in the same secret folder.
func (m *RotationManager) checkSecretKeyConflicts(ctx context.Context, ns, folderID string, mappings []SecretMapping, selfID string) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	claimed := make(map[string]string)
	for _, id := range ids {
		if id == selfID {
			continue
		}
		other, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if other.Namespace != ns || other.FolderID != folderID {
			continue
		}
		for _, mapping := range other.SecretsMapping {
			claimed[mapping.SecretKey] = other.Name
		}
	}

	for _, mapping := range mappings {
		if owner, ok := claimed[mapping.SecretKey]; ok {
			return fmt.Errorf("secret key %q already managed by rotation %q: %w",
				mapping.SecretKey, owner, ErrSecretKeyConflict)
		}
	}
	return nil
}

// writeMappedSecrets pushes the payload of a credential generation into the
// secret store under the configured key mapping.
func (m *RotationManager) writeMappedSecrets(ctx context.Context, config *RotationConfig, factory provider.RotationFactory, creds *provider.RotatedCredentials) error {
	payload := factory.CredentialsToSecretPayload(creds)
	byField := make(map[string]string, len(payload))
	for _, kv := range payload {
		byField[kv.Key] = kv.Value
	}

	secrets := make([]secretstore.Secret, 0, len(config.SecretsMapping))
	for _, mapping := range config.SecretsMapping {
		value, ok := byField[mapping.Field]
		if !ok {
			return fmt.Errorf("rotation %s: credential payload has no field %q", config.ID, mapping.Field)
		}
		secrets = append(secrets, secretstore.Secret{
			Key:   mapping.SecretKey,
			Value: value,
		})
	}

	if err := m.secrets.Upsert(ctx, config.FolderID, secrets); err != nil {
		return fmt.Errorf("writing mapped secrets for rotation %s: %w", config.ID, err)
	}
	for _, s := range secrets {
		m.log.Debug("wrote mapped secret",
			logger.String("config_id", config.ID),
			logger.String("secret_key", s.Key),
			logger.String("value_hash", helper.Get8BytesHash(s.Value)))
	}
	return nil
}

// rollbackRotation undoes a rotation whose new generation already reached
// the secret store but could not be persisted. The previously active
// generation's values are written back first so consumers keep resolving a
// credential that still exists externally, then the new external credential
// is reverted.
func (m *RotationManager) rollbackRotation(ctx context.Context, config *RotationConfig, factory provider.RotationFactory, conn map[string]any, active, newCreds *provider.RotatedCredentials, cause error) error {
	if err := m.writeMappedSecrets(ctx, config, factory, active); err != nil {
		m.log.Error("failed to restore previous credential values in secret store",
			logger.String("config_id", config.ID), logger.Err(err))
	}
	return m.revertOnError(ctx, factory, conn, config.Parameters, newCreds, cause)
}

// revertOnError best effort rolls back freshly issued credentials when a
// later step fails, so the external system does not accumulate orphans. The
// original error is returned either way; a failed revert is only logged since
// the operator has to reconcile drift manually at that point.
func (m *RotationManager) revertOnError(ctx context.Context, factory provider.RotationFactory, conn, params map[string]any, creds *provider.RotatedCredentials, cause error) error {
	revertible, ok := factory.(provider.Revertible)
	if !ok {
		m.log.Warn("credentials may be orphaned, factory cannot revert",
			logger.String("external_id", creds.ExternalID), logger.Err(cause))
		return cause
	}
	if err := revertible.RevertCredentials(ctx, conn, params, creds); err != nil {
		m.log.Error("failed to revert credentials, manual cleanup required",
			logger.String("external_id", creds.ExternalID), logger.Err(err))
	}
	return cause
}

func (m *RotationManager) encryptJSON(ctx context.Context, value any) ([]byte, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return m.barrier.Encrypt(ctx, plaintext)
}

func (m *RotationManager) decryptConnection(ctx context.Context, config *RotationConfig) (map[string]any, error) {
	plaintext, err := m.barrier.Decrypt(ctx, config.EncryptedConnection)
	if err != nil {
		return nil, fmt.Errorf("decrypting connection for rotation %s: %w", config.ID, err)
	}
	var conn map[string]any
	if err := json.Unmarshal(plaintext, &conn); err != nil {
		return nil, fmt.Errorf("decoding connection for rotation %s: %w", config.ID, err)
	}
	return conn, nil
}

func (m *RotationManager) encryptCredentials(ctx context.Context, creds []*provider.RotatedCredentials) ([]byte, error) {
	if len(creds) > credentialSlots {
		return nil, fmt.Errorf("at most %d credential generations may be kept, got %d", credentialSlots, len(creds))
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	return m.barrier.Encrypt(ctx, plaintext)
}

func (m *RotationManager) decryptCredentials(ctx context.Context, sealed []byte) ([]*provider.RotatedCredentials, error) {
	plaintext, err := m.barrier.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	var creds []*provider.RotatedCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// rotationSecretValues collects connection values that must never surface in
// stored error messages.
func rotationSecretValues(conn map[string]any) []string {
	values := make([]string, 0, len(conn))
	for _, v := range conn {
		if s, ok := v.(string); ok && s != "" {
			values = append(values, s)
		}
	}
	return values
}
