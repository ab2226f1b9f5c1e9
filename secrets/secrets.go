// Package secrets provides the signing key to the pipeline. The key is a hex
// encoded secp256k1 private key; callers parse and zero it as soon as the
// wallet is built.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source yields the signing key for the configured signer.
type Source interface {
	SigningKey(ctx context.Context) (string, error)
}

// Static wraps a key already in memory, used by tests and local runs.
type Static string

func (s Static) SigningKey(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty signing key")
	}
	return normalizeKey(string(s)), nil
}

// Env reads the key from an environment variable.
type Env string

func (e Env) SigningKey(ctx context.Context) (string, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", string(e))
	}
	return normalizeKey(v), nil
}

// AWSSecretsManager reads the key from AWS Secrets Manager. The secret can be
// the bare key string or a JSON object holding it under jsonKey.
type AWSSecretsManager struct {
	client   *secretsmanager.Client
	secretID string
	jsonKey  string
}

// NewAWSSecretsManager builds a source from the ambient AWS configuration.
// jsonKey is optional; when empty the secret value is used verbatim.
func NewAWSSecretsManager(ctx context.Context, region, secretID, jsonKey string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSSecretsManager{
		client:   secretsmanager.NewFromConfig(cfg),
		secretID: secretID,
		jsonKey:  jsonKey,
	}, nil
}

func (a *AWSSecretsManager) SigningKey(ctx context.Context) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", a.secretID, err)
	}
	value := aws.ToString(out.SecretString)
	if value == "" {
		return "", fmt.Errorf("secret %s has no string value", a.secretID)
	}
	if a.jsonKey != "" {
		var payload map[string]string
		if err := json.Unmarshal([]byte(value), &payload); err != nil {
			return "", fmt.Errorf("decode secret %s: %w", a.secretID, err)
		}
		value = payload[a.jsonKey]
		if value == "" {
			return "", fmt.Errorf("secret %s has no field %q", a.secretID, a.jsonKey)
		}
	}
	return normalizeKey(value), nil
}

// normalizeKey strips whitespace and the optional 0x prefix so the key can
// go straight into crypto.HexToECDSA.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	return strings.TrimPrefix(key, "0x")
}
