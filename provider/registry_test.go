package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{}

func (fakeProvider) ValidateInputs(raw map[string]any) (map[string]any, error) { return raw, nil }
func (fakeProvider) ValidateConnection(ctx context.Context, inputs map[string]any) error {
	return nil
}
func (fakeProvider) Create(ctx context.Context, inputs map[string]any, expireAt time.Time) (string, map[string]any, error) {
	return "ext-1", map[string]any{"username": "u"}, nil
}
func (fakeProvider) Renew(ctx context.Context, inputs map[string]any, externalID string, expireAt time.Time) (string, error) {
	return externalID, nil
}
func (fakeProvider) Revoke(ctx context.Context, inputs map[string]any, externalID string) (string, error) {
	return externalID, nil
}

type fakeFactory struct{}

func (fakeFactory) IssueCredentials(ctx context.Context, conn, params map[string]any) (*RotatedCredentials, error) {
	return &RotatedCredentials{ExternalID: "gen-0"}, nil
}
func (fakeFactory) RotateCredentials(ctx context.Context, conn, params map[string]any, standby, active *RotatedCredentials) (*RotatedCredentials, error) {
	return &RotatedCredentials{ExternalID: "gen-1"}, nil
}
func (fakeFactory) RevokeCredentials(ctx context.Context, conn, params map[string]any, all []*RotatedCredentials) error {
	return nil
}
func (fakeFactory) CredentialsToSecretPayload(cred *RotatedCredentials) []SecretKV {
	return []SecretKV{{Key: "id", Value: cred.ExternalID}}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	err := r.Register("sql", fakeProvider{})
	require.NoError(t, err)

	err = r.Register("sql", fakeProvider{})
	require.ErrorIs(t, err, ErrProviderAlreadyRegistered)

	p, err := r.GetByType("sql")
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = r.GetByType("ldap")
	require.ErrorIs(t, err, ErrProviderNotFound)

	assert.True(t, r.HasType("sql"))
	assert.False(t, r.HasType("ldap"))
	assert.Equal(t, []string{"sql"}, r.ListTypes())
}

func TestFactoryRegistry_Register(t *testing.T) {
	r := NewFactoryRegistry()

	err := r.Register("api-key", fakeFactory{})
	require.NoError(t, err)

	err = r.Register("api-key", fakeFactory{})
	require.ErrorIs(t, err, ErrFactoryAlreadyRegistered)

	f, err := r.GetByType("api-key")
	require.NoError(t, err)
	require.NotNil(t, f)

	_, err = r.GetByType("db-user")
	require.ErrorIs(t, err, ErrFactoryNotFound)

	assert.True(t, r.HasType("api-key"))
	assert.Equal(t, []string{"api-key"}, r.ListTypes())
}
