// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"time"
)

// ConfigStatus is the lifecycle state of a dynamic secret config.
type ConfigStatus string

const (
	// ConfigStatusActive means the config accepts new leases
	ConfigStatusActive ConfigStatus = "active"
	// ConfigStatusDeleting means graceful deletion is in progress, no new leases
	ConfigStatusDeleting ConfigStatus = "deleting"
	// ConfigStatusFailedDeletion means graceful deletion failed, terminal until
	// a forced delete
	ConfigStatusFailedDeletion ConfigStatus = "failed_deletion"
)

// LeaseStatus is the lifecycle state of a lease.
type LeaseStatus string

const (
	// LeaseStatusActive means the lease is live and scheduled for expiry
	LeaseStatusActive LeaseStatus = "active"
	// LeaseStatusFailedDeletion means revocation exhausted its retry budget,
	// the lease is kept visible and excluded from further scheduling
	LeaseStatusFailedDeletion LeaseStatus = "failed_deletion"
)

// DynamicSecretConfig describes one source of ephemeral credentials.
// EncryptedInputs is the barrier sealed provider connection blob.
type DynamicSecretConfig struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`

	EncryptedInputs []byte `json:"encrypted_inputs"`

	DefaultTTL time.Duration `json:"default_ttl"`
	MaxTTL     time.Duration `json:"max_ttl"`

	Status        ConfigStatus `json:"status"`
	StatusDetails string       `json:"status_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lease is one issued ephemeral credential.
type Lease struct {
	ID               string `json:"id"`
	ConfigID         string `json:"config_id"`
	Namespace        string `json:"namespace"`
	ExternalEntityID string `json:"external_entity_id"`

	Status        LeaseStatus `json:"status"`
	StatusDetails string      `json:"status_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpireAt  time.Time `json:"expire_at"`
	Version   int       `json:"version"`
}

// RotationStatus is the outcome of the most recent rotation attempt.
type RotationStatus string

const (
	RotationStatusSuccess RotationStatus = "success"
	RotationStatusFailed  RotationStatus = "failed"
)

// RotateAtUTC pins the time of day, in UTC, that scheduled rotations
// snap to.
type RotateAtUTC struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// SecretMapping links one credential payload field to the secret store
// key a rotation keeps updated.
type SecretMapping struct {
	SecretKey string `json:"secret_key"`
	Field     string `json:"field"`
}

// RotationConfig describes one rotated long lived credential.
//
// Credentials live in a dual slot array of at most two generations,
// sealed as one blob in EncryptedCredentials. ActiveIndex points at
// the generation currently in use; rotation overwrites the other slot
// and flips the index only after everything else succeeded.
type RotationConfig struct {
	ID          string `json:"id"`
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	FactoryType string `json:"factory_type"`

	EncryptedConnection []byte         `json:"encrypted_connection"`
	Parameters          map[string]any `json:"parameters,omitempty"`

	SecretsMapping []SecretMapping `json:"secrets_mapping"`
	FolderID       string          `json:"folder_id"`

	IsAutoRotationEnabled bool        `json:"is_auto_rotation_enabled"`
	Interval              int         `json:"interval"`
	RotateAt              RotateAtUTC `json:"rotate_at"`

	ActiveIndex          int    `json:"active_index"`
	EncryptedCredentials []byte `json:"encrypted_credentials"`

	LastRotatedAt           time.Time      `json:"last_rotated_at"`
	LastRotationAttemptedAt time.Time      `json:"last_rotation_attempted_at,omitempty"`
	IsLastRotationManual    bool           `json:"is_last_rotation_manual,omitempty"`
	LastRotationStatus      RotationStatus `json:"last_rotation_status,omitempty"`
	LastRotationMessage     string         `json:"last_rotation_message,omitempty"`
	NextRotationAt          time.Time      `json:"next_rotation_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
