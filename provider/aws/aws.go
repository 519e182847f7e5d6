// Package aws provisions ephemeral credentials on AWS via STS
// AssumeRole or Secrets Manager, and rotates IAM user access keys.
package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stephnangue/custodian/provider"
)

const defaultRegion = "us-east-1"

// clientConfig builds an AWS client config from decrypted connection
// inputs. Clients are rebuilt on every call so no credential material
// outlives the operation that needed it.
func clientConfig(conn map[string]any) aws.Config {
	return aws.Config{
		Region: provider.GetString(conn, "region", defaultRegion),
		Credentials: credentials.NewStaticCredentialsProvider(
			provider.GetString(conn, "access_key_id", ""),
			provider.GetString(conn, "secret_access_key", ""),
			"",
		),
	}
}

func stsClient(conn map[string]any) *sts.Client {
	return sts.NewFromConfig(clientConfig(conn))
}

func iamClient(conn map[string]any) *iam.Client {
	return iam.NewFromConfig(clientConfig(conn))
}

func secretsManagerClient(conn map[string]any) *secretsmanager.Client {
	return secretsmanager.NewFromConfig(clientConfig(conn))
}
