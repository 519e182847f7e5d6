package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stephnangue/custodian/helper"
	"github.com/stephnangue/custodian/provider"
)

const (
	// MintMethodAssumeRole issues temporary credentials via STS AssumeRole.
	MintMethodAssumeRole = "assume_role"
	// MintMethodSecretsManager reads a JSON secret from AWS Secrets Manager.
	MintMethodSecretsManager = "secrets_manager"

	// STS rejects sessions shorter than 900 seconds.
	minSessionDuration = 15 * time.Minute
)

// connectionInputs is the decoded shape of an AWS connection. The long
// lived keys here are the base identity everything else is minted from.
type connectionInputs struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	MintMethod      string `mapstructure:"mint_method"`
	RoleARN         string `mapstructure:"role_arn"`
	SessionName     string `mapstructure:"session_name"`
	ExternalID      string `mapstructure:"external_id"`
	Policy          string `mapstructure:"policy"`
	SecretID        string `mapstructure:"secret_id"`
	VersionStage    string `mapstructure:"version_stage"`
}

// STSProvider provisions AWS credentials for leases. Depending on
// mint_method it either assumes an IAM role per lease or reads a
// static secret from Secrets Manager.
type STSProvider struct{}

func NewSTSProvider() *STSProvider {
	return &STSProvider{}
}

func (p *STSProvider) ValidateInputs(raw map[string]any) (map[string]any, error) {
	var in connectionInputs
	if err := provider.DecodeInputs(raw, &in); err != nil {
		return nil, err
	}
	if in.AccessKeyID == "" {
		return nil, provider.NewValidationError("access_key_id", "required")
	}
	if in.SecretAccessKey == "" {
		return nil, provider.NewValidationError("secret_access_key", "required")
	}
	if in.Region == "" {
		in.Region = defaultRegion
	}
	if in.MintMethod == "" {
		in.MintMethod = MintMethodAssumeRole
	}

	switch in.MintMethod {
	case MintMethodAssumeRole:
		if in.RoleARN == "" {
			return nil, provider.NewValidationError("role_arn", "required for assume_role")
		}
	case MintMethodSecretsManager:
		if in.SecretID == "" {
			return nil, provider.NewValidationError("secret_id", "required for secrets_manager")
		}
	default:
		return nil, provider.NewValidationError("mint_method",
			fmt.Sprintf("unsupported value %q; use %q or %q", in.MintMethod, MintMethodAssumeRole, MintMethodSecretsManager))
	}

	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[k] = v
	}
	normalized["region"] = in.Region
	normalized["mint_method"] = in.MintMethod
	return normalized, nil
}

func (p *STSProvider) ValidateConnection(ctx context.Context, inputs map[string]any) error {
	if _, err := stsClient(inputs).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("aws identity check failed: %w", err)
	}
	return nil
}

func (p *STSProvider) Create(ctx context.Context, inputs map[string]any, expireAt time.Time) (string, map[string]any, error) {
	switch provider.GetString(inputs, "mint_method", MintMethodAssumeRole) {
	case MintMethodSecretsManager:
		return p.createFromSecretsManager(ctx, inputs)
	default:
		return p.createFromAssumeRole(ctx, inputs, expireAt)
	}
}

func (p *STSProvider) createFromAssumeRole(ctx context.Context, inputs map[string]any, expireAt time.Time) (string, map[string]any, error) {
	roleARN, err := provider.GetStringRequired(inputs, "role_arn")
	if err != nil {
		return "", nil, err
	}
	sessionName := roleSessionName(inputs)

	duration := time.Until(expireAt)
	if duration < minSessionDuration {
		duration = minSessionDuration
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         &roleARN,
		RoleSessionName: &sessionName,
		DurationSeconds: aws.Int32(int32(duration.Seconds())),
	}
	if extID := provider.GetString(inputs, "external_id", ""); extID != "" {
		input.ExternalId = &extID
	}
	if policy := provider.GetString(inputs, "policy", ""); policy != "" {
		input.Policy = &policy
	}

	result, err := stsClient(inputs).AssumeRole(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("sts assume role %s: %w", roleARN, err)
	}

	creds := result.Credentials
	data := map[string]any{
		"access_key_id":     *creds.AccessKeyId,
		"secret_access_key": *creds.SecretAccessKey,
		"session_token":     *creds.SessionToken,
		"expiration":        creds.Expiration.Format(time.RFC3339),
	}
	return "sts:" + *creds.AccessKeyId, data, nil
}

// roleSessionName returns the configured session name, or a unique
// generated one. A unique session name per lease keeps CloudTrail
// entries for the same role distinguishable.
func roleSessionName(inputs map[string]any) string {
	if name := provider.GetString(inputs, "session_name", ""); name != "" {
		return name
	}
	return "custodian-" + helper.GenerateUsernameSuffix(8)
}

func (p *STSProvider) createFromSecretsManager(ctx context.Context, inputs map[string]any) (string, map[string]any, error) {
	secretID, err := provider.GetStringRequired(inputs, "secret_id")
	if err != nil {
		return "", nil, err
	}

	input := &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	}
	if vs := provider.GetString(inputs, "version_stage", ""); vs != "" {
		input.VersionStage = &vs
	}

	result, err := secretsManagerClient(inputs).GetSecretValue(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("secrets manager get %s: %w", secretID, err)
	}
	if result.SecretString == nil {
		return "", nil, fmt.Errorf("secret %s has no string value, binary secrets are not supported", secretID)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(*result.SecretString), &data); err != nil {
		return "", nil, fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	return "secretsmanager:" + secretID, data, nil
}

// Renew cannot extend STS sessions; AWS fixes their lifetime at issue
// time. Secrets Manager reads are static so renewal is a no-op there.
func (p *STSProvider) Renew(ctx context.Context, inputs map[string]any, externalID string, expireAt time.Time) (string, error) {
	if strings.HasPrefix(externalID, "sts:") {
		return "", fmt.Errorf("sts sessions have a fixed lifetime and cannot be renewed")
	}
	return externalID, nil
}

// Revoke is a no-op. STS sessions expire naturally and Secrets Manager
// values are read-only from the lease engine's point of view.
func (p *STSProvider) Revoke(ctx context.Context, inputs map[string]any, externalID string) (string, error) {
	return externalID, nil
}
