package secretstore

import (
	"context"
	"errors"
	"fmt"
	"path"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/stephnangue/custodian/logger"
)

// VaultConfig carries the connection settings for a Vault KV v2 backed
// store.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	// Mount is the KV v2 mount path, typically "secret".
	Mount string
	// PathPrefix is prepended to every folderID.
	PathPrefix string
}

// VaultStore implements Store on a Vault KV v2 mount. A folderID maps
// to one KV secret whose data holds the folder's key/value entries.
type VaultStore struct {
	client *vaultapi.Client
	mount  string
	prefix string
	logger logger.Logger
}

// NewVaultStore builds a store from the given configuration.
func NewVaultStore(cfg VaultConfig, log logger.Logger) (*VaultStore, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("building vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	return &VaultStore{
		client: client,
		mount:  mount,
		prefix: cfg.PathPrefix,
		logger: log,
	}, nil
}

func (s *VaultStore) secretPath(folderID string) string {
	return path.Join(s.prefix, folderID)
}

// read returns the folder contents, or an empty map when the folder
// does not exist yet.
func (s *VaultStore) read(ctx context.Context, folderID string) (map[string]interface{}, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.secretPath(folderID))
	if err != nil {
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("reading secret folder %q: %w", folderID, err)
	}
	if secret == nil || secret.Data == nil {
		return map[string]interface{}{}, nil
	}
	return secret.Data, nil
}

func (s *VaultStore) Upsert(ctx context.Context, folderID string, secrets []Secret) error {
	// KV v2 writes replace the whole secret, so merge with the
	// existing entries first.
	data, err := s.read(ctx, folderID)
	if err != nil {
		return err
	}
	for _, sec := range secrets {
		data[sec.Key] = sec.Value
	}

	if _, err := s.client.KVv2(s.mount).Put(ctx, s.secretPath(folderID), data); err != nil {
		return fmt.Errorf("writing secret folder %q: %w", folderID, err)
	}

	s.logger.Debug("upserted managed secrets",
		logger.String("folder", folderID),
		logger.Int("count", len(secrets)),
	)
	return nil
}

func (s *VaultStore) Delete(ctx context.Context, folderID string, keys []string) error {
	data, err := s.read(ctx, folderID)
	if err != nil {
		return err
	}

	changed := false
	for _, key := range keys {
		if _, ok := data[key]; ok {
			delete(data, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	if len(data) == 0 {
		if err := s.client.KVv2(s.mount).Delete(ctx, s.secretPath(folderID)); err != nil {
			return fmt.Errorf("deleting secret folder %q: %w", folderID, err)
		}
		return nil
	}

	if _, err := s.client.KVv2(s.mount).Put(ctx, s.secretPath(folderID), data); err != nil {
		return fmt.Errorf("writing secret folder %q: %w", folderID, err)
	}
	return nil
}

func (s *VaultStore) List(ctx context.Context, folderID string) ([]Secret, error) {
	data, err := s.read(ctx, folderID)
	if err != nil {
		return nil, err
	}

	out := make([]Secret, 0, len(data))
	for key, value := range data {
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprintf("%v", value)
		}
		out = append(out, Secret{Key: key, Value: str})
	}
	return out, nil
}
