package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the custodian server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Storage     *StorageBlock     `hcl:"storage,block"`
	KMS         *KMSBlock         `hcl:"kms,block"`
	Lock        *LockBlock        `hcl:"lock,block"`
	SecretStore *SecretStoreBlock `hcl:"secret_store,block"`
	Engine      *EngineBlock      `hcl:"engine,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "file"

	// File storage specific config
	Path string `hcl:"path,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)
	config["type"] = s.Type
	if s.Path != "" {
		config["path"] = s.Path
	}
	return config
}

// KMSBlock selects the wrapper that seals stored provider inputs and
// rotated credentials. Type names a go-kms-wrapping wrapper ("aead",
// "static", "awskms", "azurekeyvault", "gcpckms", "alicloudkms",
// "ocikms", "transit", "kmip"). Options are passed through to the
// wrapper's SetConfig.
type KMSBlock struct {
	Type    string            `hcl:"type,label"`
	Options map[string]string `hcl:"options,optional"`
}

// Config returns the wrapper options as a map
func (k *KMSBlock) Config() map[string]string {
	if k.Options == nil {
		return map[string]string{}
	}
	return k.Options
}

// LockBlock selects the distributed lock backend guarding rotations.
type LockBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "redis"

	// Redis specific config
	Address   string `hcl:"address,optional"`
	Password  string `hcl:"password,optional"`
	DB        int    `hcl:"db,optional"`
	KeyPrefix string `hcl:"key_prefix,optional"`
}

// SecretStoreBlock selects where rotated credentials are published for
// consumers.
type SecretStoreBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "vault"

	// Vault specific config
	Address    string `hcl:"address,optional"`
	Token      string `hcl:"token,optional"`
	Namespace  string `hcl:"namespace,optional"`
	Mount      string `hcl:"mount,optional"`
	PathPrefix string `hcl:"path_prefix,optional"`
}

// EngineBlock tunes the lease and rotation engines.
type EngineBlock struct {
	MaxLeasesPerConfig   int    `hcl:"max_leases_per_config,optional"`
	ExpireWorkers        int    `hcl:"expire_workers,optional"`
	RotateWorkers        int    `hcl:"rotate_workers,optional"`
	MaxRotateAttempts    int    `hcl:"max_rotate_attempts,optional"`
	LockTTLSeconds       int    `hcl:"lock_ttl_seconds,optional"`
	RotationIntervalUnit string `hcl:"rotation_interval_unit,optional"` // "days" (default) or "minutes"
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross field constraints hclsimple cannot express.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("a storage block is required")
	}
	if c.Storage.Type == "file" && c.Storage.Path == "" {
		return fmt.Errorf("file storage requires a path")
	}
	if c.Lock != nil && c.Lock.Type == "redis" && c.Lock.Address == "" {
		return fmt.Errorf("redis lock requires an address")
	}
	if c.SecretStore != nil && c.SecretStore.Type == "vault" && c.SecretStore.Address == "" {
		return fmt.Errorf("vault secret store requires an address")
	}
	if c.Engine != nil {
		switch c.Engine.RotationIntervalUnit {
		case "", "days", "minutes":
		default:
			return fmt.Errorf("rotation_interval_unit must be 'days' or 'minutes', got %q", c.Engine.RotationIntervalUnit)
		}
	}
	return nil
}
