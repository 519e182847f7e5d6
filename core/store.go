// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"fmt"
	"strings"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
)

// Storage paths for the lease engine
const (
	dynamicStoragePath    = "core/dynamic/"
	dynamicConfigPath     = dynamicStoragePath + "configs/"
	dynamicConfigIDPath   = dynamicStoragePath + "configids/"
	dynamicLeasePath      = dynamicStoragePath + "leases/"
	dynamicLeaseIndexPath = dynamicStoragePath + "leaseindex/"
)

// Storage paths for the rotation engine
const (
	rotationStoragePath = "core/rotation/"
	rotationConfigPath  = rotationStoragePath + "configs/"
	rotationNamePath    = rotationStoragePath + "names/"
)

// configRef is the ID index row pointing back at a config's
// namespace/name location.
type configRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// leaseRef is the lease index row pointing at the lease's config.
type leaseRef struct {
	ConfigID string `json:"config_id"`
}

// ConfigStore persists dynamic secret configs. Configs are addressed
// by namespace and name, with an ID index for lookups from leases.
type ConfigStore struct {
	storage sdklogical.Storage
}

func NewConfigStore(storage sdklogical.Storage) *ConfigStore {
	return &ConfigStore{storage: storage}
}

func configKey(namespace, name string) string {
	return dynamicConfigPath + namespace + "/" + name
}

func (s *ConfigStore) Put(ctx context.Context, config *DynamicSecretConfig) error {
	entry, err := sdklogical.StorageEntryJSON(configKey(config.Namespace, config.Name), config)
	if err != nil {
		return fmt.Errorf("encoding config %s: %w", config.Name, err)
	}
	if err := s.storage.Put(ctx, entry); err != nil {
		return fmt.Errorf("persisting config %s: %w", config.Name, err)
	}

	ref, err := sdklogical.StorageEntryJSON(dynamicConfigIDPath+config.ID, &configRef{
		Namespace: config.Namespace,
		Name:      config.Name,
	})
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, ref)
}

func (s *ConfigStore) Get(ctx context.Context, namespace, name string) (*DynamicSecretConfig, error) {
	entry, err := s.storage.Get(ctx, configKey(namespace, name))
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", name, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("config %s: %w", name, ErrNotFound)
	}

	var config DynamicSecretConfig
	if err := entry.DecodeJSON(&config); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", name, err)
	}
	return &config, nil
}

func (s *ConfigStore) GetByID(ctx context.Context, id string) (*DynamicSecretConfig, error) {
	entry, err := s.storage.Get(ctx, dynamicConfigIDPath+id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("config %s: %w", id, ErrNotFound)
	}

	var ref configRef
	if err := entry.DecodeJSON(&ref); err != nil {
		return nil, err
	}
	return s.Get(ctx, ref.Namespace, ref.Name)
}

func (s *ConfigStore) Delete(ctx context.Context, config *DynamicSecretConfig) error {
	if err := s.storage.Delete(ctx, configKey(config.Namespace, config.Name)); err != nil {
		return fmt.Errorf("deleting config %s: %w", config.Name, err)
	}
	return s.storage.Delete(ctx, dynamicConfigIDPath+config.ID)
}

// List returns the config names in a namespace.
func (s *ConfigStore) List(ctx context.Context, namespace string) ([]string, error) {
	return s.storage.List(ctx, dynamicConfigPath+namespace+"/")
}

// LeaseStore persists leases nested under their config, with a flat
// index so a lease can be found by ID alone.
type LeaseStore struct {
	storage sdklogical.Storage
}

func NewLeaseStore(storage sdklogical.Storage) *LeaseStore {
	return &LeaseStore{storage: storage}
}

func leaseKey(configID, leaseID string) string {
	return dynamicLeasePath + configID + "/" + leaseID
}

func (s *LeaseStore) Put(ctx context.Context, lease *Lease) error {
	entry, err := sdklogical.StorageEntryJSON(leaseKey(lease.ConfigID, lease.ID), lease)
	if err != nil {
		return fmt.Errorf("encoding lease %s: %w", lease.ID, err)
	}
	if err := s.storage.Put(ctx, entry); err != nil {
		return fmt.Errorf("persisting lease %s: %w", lease.ID, err)
	}

	ref, err := sdklogical.StorageEntryJSON(dynamicLeaseIndexPath+lease.ID, &leaseRef{
		ConfigID: lease.ConfigID,
	})
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, ref)
}

func (s *LeaseStore) Get(ctx context.Context, leaseID string) (*Lease, error) {
	entry, err := s.storage.Get(ctx, dynamicLeaseIndexPath+leaseID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}

	var ref leaseRef
	if err := entry.DecodeJSON(&ref); err != nil {
		return nil, err
	}

	leaseEntry, err := s.storage.Get(ctx, leaseKey(ref.ConfigID, leaseID))
	if err != nil {
		return nil, err
	}
	if leaseEntry == nil {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}

	var lease Lease
	if err := leaseEntry.DecodeJSON(&lease); err != nil {
		return nil, fmt.Errorf("decoding lease %s: %w", leaseID, err)
	}
	return &lease, nil
}

func (s *LeaseStore) Delete(ctx context.Context, lease *Lease) error {
	if err := s.storage.Delete(ctx, leaseKey(lease.ConfigID, lease.ID)); err != nil {
		return fmt.Errorf("deleting lease %s: %w", lease.ID, err)
	}
	return s.storage.Delete(ctx, dynamicLeaseIndexPath+lease.ID)
}

// ListByConfig returns every lease belonging to a config.
func (s *LeaseStore) ListByConfig(ctx context.Context, configID string) ([]*Lease, error) {
	ids, err := s.storage.List(ctx, dynamicLeasePath+configID+"/")
	if err != nil {
		return nil, err
	}

	leases := make([]*Lease, 0, len(ids))
	for _, id := range ids {
		entry, err := s.storage.Get(ctx, leaseKey(configID, id))
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		var lease Lease
		if err := entry.DecodeJSON(&lease); err != nil {
			return nil, err
		}
		leases = append(leases, &lease)
	}
	return leases, nil
}

// CountByConfig returns the number of leases a config carries.
func (s *LeaseStore) CountByConfig(ctx context.Context, configID string) (int, error) {
	ids, err := s.storage.List(ctx, dynamicLeasePath+configID+"/")
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RotationStore persists rotation configs, addressed by ID with a
// name index for collision checks.
type RotationStore struct {
	storage sdklogical.Storage
}

func NewRotationStore(storage sdklogical.Storage) *RotationStore {
	return &RotationStore{storage: storage}
}

func rotationNameKey(namespace, name string) string {
	return rotationNamePath + namespace + "/" + name
}

func (s *RotationStore) Put(ctx context.Context, config *RotationConfig) error {
	entry, err := sdklogical.StorageEntryJSON(rotationConfigPath+config.ID, config)
	if err != nil {
		return fmt.Errorf("encoding rotation %s: %w", config.ID, err)
	}
	if err := s.storage.Put(ctx, entry); err != nil {
		return fmt.Errorf("persisting rotation %s: %w", config.ID, err)
	}

	ref, err := sdklogical.StorageEntryJSON(rotationNameKey(config.Namespace, config.Name), config.ID)
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, ref)
}

func (s *RotationStore) Get(ctx context.Context, id string) (*RotationConfig, error) {
	entry, err := s.storage.Get(ctx, rotationConfigPath+id)
	if err != nil {
		return nil, fmt.Errorf("reading rotation %s: %w", id, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("rotation %s: %w", id, ErrNotFound)
	}

	var config RotationConfig
	if err := entry.DecodeJSON(&config); err != nil {
		return nil, fmt.Errorf("decoding rotation %s: %w", id, err)
	}
	return &config, nil
}

// NameExists reports whether a rotation already claims the name in
// the namespace.
func (s *RotationStore) NameExists(ctx context.Context, namespace, name string) (bool, error) {
	entry, err := s.storage.Get(ctx, rotationNameKey(namespace, name))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (s *RotationStore) Delete(ctx context.Context, config *RotationConfig) error {
	if err := s.storage.Delete(ctx, rotationConfigPath+config.ID); err != nil {
		return fmt.Errorf("deleting rotation %s: %w", config.ID, err)
	}
	return s.storage.Delete(ctx, rotationNameKey(config.Namespace, config.Name))
}

// List returns every rotation config ID.
func (s *RotationStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.storage.List(ctx, rotationConfigPath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.TrimSuffix(id, "/"))
	}
	return out, nil
}
