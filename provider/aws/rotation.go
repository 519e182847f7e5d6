package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/custodian/provider"
)

// AccessKeyFactory rotates the access keys of an IAM user. AWS allows
// at most two keys per user, which lines up with the engine keeping an
// active and a standby generation: each rotation deletes the standby
// key on AWS and mints a fresh one in its place.
//
// conn carries admin credentials allowed to manage the user's keys,
// params names the managed user under "user_name".
type AccessKeyFactory struct{}

func NewAccessKeyFactory() *AccessKeyFactory {
	return &AccessKeyFactory{}
}

func (f *AccessKeyFactory) IssueCredentials(ctx context.Context, conn, params map[string]any) (*provider.RotatedCredentials, error) {
	userName, err := provider.GetStringRequired(params, "user_name")
	if err != nil {
		return nil, err
	}
	return f.mintKey(ctx, conn, userName)
}

func (f *AccessKeyFactory) RotateCredentials(ctx context.Context, conn, params map[string]any, standby, active *provider.RotatedCredentials) (*provider.RotatedCredentials, error) {
	userName, err := provider.GetStringRequired(params, "user_name")
	if err != nil {
		return nil, err
	}
	client := iamClient(conn)

	if standby != nil {
		if err := deleteAccessKey(ctx, client, userName, standby.ExternalID); err != nil {
			return nil, fmt.Errorf("deleting standby access key: %w", err)
		}
	}

	// A crashed earlier rotation can leave an unexpected key on the
	// user, hitting the two key limit. Anything that is not the active
	// key is fair game at this point.
	listed, err := client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: &userName})
	if err != nil {
		return nil, fmt.Errorf("listing access keys for %s: %w", userName, err)
	}
	for _, meta := range listed.AccessKeyMetadata {
		if active != nil && *meta.AccessKeyId == active.ExternalID {
			continue
		}
		if err := deleteAccessKey(ctx, client, userName, *meta.AccessKeyId); err != nil {
			return nil, fmt.Errorf("deleting orphaned access key: %w", err)
		}
	}

	return f.mintKey(ctx, conn, userName)
}

func (f *AccessKeyFactory) RevokeCredentials(ctx context.Context, conn, params map[string]any, all []*provider.RotatedCredentials) error {
	userName, err := provider.GetStringRequired(params, "user_name")
	if err != nil {
		return err
	}
	client := iamClient(conn)

	var merr *multierror.Error
	for _, cred := range all {
		if cred == nil {
			continue
		}
		if err := deleteAccessKey(ctx, client, userName, cred.ExternalID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// RevertCredentials removes a freshly minted key whose material never
// made it to storage.
func (f *AccessKeyFactory) RevertCredentials(ctx context.Context, conn, params map[string]any, cred *provider.RotatedCredentials) error {
	userName, err := provider.GetStringRequired(params, "user_name")
	if err != nil {
		return err
	}
	return deleteAccessKey(ctx, iamClient(conn), userName, cred.ExternalID)
}

func (f *AccessKeyFactory) CredentialsToSecretPayload(cred *provider.RotatedCredentials) []provider.SecretKV {
	return []provider.SecretKV{
		{Key: "access_key_id", Value: provider.GetString(cred.Secrets, "access_key_id", "")},
		{Key: "secret_access_key", Value: provider.GetString(cred.Secrets, "secret_access_key", "")},
	}
}

func (f *AccessKeyFactory) mintKey(ctx context.Context, conn map[string]any, userName string) (*provider.RotatedCredentials, error) {
	result, err := iamClient(conn).CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: &userName})
	if err != nil {
		return nil, fmt.Errorf("creating access key for %s: %w", userName, err)
	}
	key := result.AccessKey
	return &provider.RotatedCredentials{
		ExternalID: *key.AccessKeyId,
		Secrets: map[string]any{
			"access_key_id":     *key.AccessKeyId,
			"secret_access_key": *key.SecretAccessKey,
		},
		RotatedAt: time.Now().UTC(),
	}, nil
}

// deleteAccessKey removes one key, treating an already missing key as
// success so revocation stays idempotent.
func deleteAccessKey(ctx context.Context, client *iam.Client, userName, keyID string) error {
	_, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    &userName,
		AccessKeyId: &keyID,
	})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("deleting access key %s: %w", keyID, err)
	}
	return nil
}
