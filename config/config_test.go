package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "custodian.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTestConfig(t, `
log_level  = "debug"
log_format = "json"

storage "file" {
  path = "/var/lib/custodian/data"
}

kms "aead" {
  options = {
    key_id = "root"
  }
}

lock "redis" {
  address    = "127.0.0.1:6379"
  key_prefix = "custodian:lock:"
}

secret_store "vault" {
  address     = "https://vault.internal:8200"
  token       = "s.xxxx"
  mount       = "secret"
  path_prefix = "rotated/"
}

engine {
  max_leases_per_config  = 50
  expire_workers         = 8
  lock_ttl_seconds       = 60
  rotation_interval_unit = "minutes"
}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)

	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, map[string]string{
		"type": "file",
		"path": "/var/lib/custodian/data",
	}, cfg.Storage.Config())

	require.NotNil(t, cfg.KMS)
	assert.Equal(t, "aead", cfg.KMS.Type)
	assert.Equal(t, "root", cfg.KMS.Options["key_id"])

	require.NotNil(t, cfg.Lock)
	assert.Equal(t, "redis", cfg.Lock.Type)
	assert.Equal(t, "127.0.0.1:6379", cfg.Lock.Address)

	require.NotNil(t, cfg.SecretStore)
	assert.Equal(t, "vault", cfg.SecretStore.Type)
	assert.Equal(t, "rotated/", cfg.SecretStore.PathPrefix)

	require.NotNil(t, cfg.Engine)
	assert.Equal(t, 50, cfg.Engine.MaxLeasesPerConfig)
	assert.Equal(t, "minutes", cfg.Engine.RotationIntervalUnit)
}

func TestLoadConfig_Validation(t *testing.T) {
	// Missing storage block.
	path := writeTestConfig(t, `log_level = "info"`)
	_, err := LoadConfig(path)
	require.Error(t, err)

	// File storage without a path.
	path = writeTestConfig(t, `
storage "file" {}
`)
	_, err = LoadConfig(path)
	require.Error(t, err)

	// Redis lock without an address.
	path = writeTestConfig(t, `
storage "inmem" {}

lock "redis" {}
`)
	_, err = LoadConfig(path)
	require.Error(t, err)

	// Vault secret store without an address.
	path = writeTestConfig(t, `
storage "inmem" {}

secret_store "vault" {}
`)
	_, err = LoadConfig(path)
	require.Error(t, err)

	// Bad interval unit.
	path = writeTestConfig(t, `
storage "inmem" {}

engine {
  rotation_interval_unit = "hours"
}
`)
	_, err = LoadConfig(path)
	require.Error(t, err)
}
