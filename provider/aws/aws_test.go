package aws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/custodian/provider"
)

func TestSTSProviderValidateInputs(t *testing.T) {
	p := NewSTSProvider()

	t.Run("defaults applied", func(t *testing.T) {
		normalized, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
			"role_arn":          "arn:aws:iam::123456789012:role/app",
		})
		require.NoError(t, err)
		assert.Equal(t, defaultRegion, normalized["region"])
		assert.Equal(t, MintMethodAssumeRole, normalized["mint_method"])
	})

	t.Run("missing base credentials", func(t *testing.T) {
		_, err := p.ValidateInputs(map[string]any{
			"secret_access_key": "shhh",
			"role_arn":          "arn:aws:iam::123456789012:role/app",
		})
		require.Error(t, err)
		assert.True(t, provider.IsValidationError(err))
	})

	t.Run("assume_role requires role_arn", func(t *testing.T) {
		_, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
		})
		require.Error(t, err)
		assert.True(t, provider.IsValidationError(err))
		assert.Contains(t, err.Error(), "role_arn")
	})

	t.Run("secrets_manager requires secret_id", func(t *testing.T) {
		_, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
			"mint_method":       MintMethodSecretsManager,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret_id")

		normalized, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
			"mint_method":       MintMethodSecretsManager,
			"secret_id":         "prod/db",
		})
		require.NoError(t, err)
		assert.Equal(t, MintMethodSecretsManager, normalized["mint_method"])
	})

	t.Run("unknown mint_method rejected", func(t *testing.T) {
		_, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
			"mint_method":       "carrier_pigeon",
		})
		require.Error(t, err)
		assert.True(t, provider.IsValidationError(err))
	})

	t.Run("unknown keys rejected", func(t *testing.T) {
		_, err := p.ValidateInputs(map[string]any{
			"access_key_id":     "AKIAEXAMPLE",
			"secret_access_key": "shhh",
			"role_arn":          "arn:aws:iam::123456789012:role/app",
			"reigon":            "us-west-2",
		})
		require.Error(t, err)
	})
}

func TestRoleSessionName(t *testing.T) {
	got := roleSessionName(map[string]any{"session_name": "deploy-bot"})
	assert.Equal(t, "deploy-bot", got)

	// Without an explicit name each call yields a distinct one.
	a := roleSessionName(map[string]any{})
	b := roleSessionName(map[string]any{})
	assert.Regexp(t, "^custodian-[0-9A-Za-z]{8}$", a)
	assert.NotEqual(t, a, b)
}

func TestSTSProviderRenew(t *testing.T) {
	p := NewSTSProvider()
	ctx := context.Background()

	// STS sessions have a fixed lifetime.
	_, err := p.Renew(ctx, nil, "sts:ASIAEXAMPLE", time.Now().Add(time.Hour))
	require.Error(t, err)

	// Secrets Manager reads have nothing to extend.
	id, err := p.Renew(ctx, nil, "secretsmanager:prod/db", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "secretsmanager:prod/db", id)
}

func TestAccessKeyFactoryPayload(t *testing.T) {
	f := NewAccessKeyFactory()
	payload := f.CredentialsToSecretPayload(&provider.RotatedCredentials{
		ExternalID: "AKIANEWKEY",
		Secrets: map[string]any{
			"access_key_id":     "AKIANEWKEY",
			"secret_access_key": "s3cret",
		},
	})
	require.Len(t, payload, 2)
	assert.Equal(t, provider.SecretKV{Key: "access_key_id", Value: "AKIANEWKEY"}, payload[0])
	assert.Equal(t, provider.SecretKV{Key: "secret_access_key", Value: "s3cret"}, payload[1])
}

func TestAccessKeyFactoryRequiresUserName(t *testing.T) {
	f := NewAccessKeyFactory()
	ctx := context.Background()
	conn := map[string]any{"access_key_id": "AKIAEXAMPLE", "secret_access_key": "shhh"}

	_, err := f.IssueCredentials(ctx, conn, map[string]any{})
	require.Error(t, err)
	assert.True(t, provider.IsValidationError(err))

	_, err = f.RotateCredentials(ctx, conn, map[string]any{}, nil, nil)
	require.Error(t, err)

	err = f.RevokeCredentials(ctx, conn, map[string]any{}, nil)
	require.Error(t, err)
}
