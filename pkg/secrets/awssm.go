package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSOptions configures the AWS Secrets Manager provider. Empty fields fall
// back to the default AWS configuration chain.
type AWSOptions struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// AWSSecretsManagerProvider reads secrets from AWS Secrets Manager. A key
// of the form <secret-id>#<field> selects one field of a JSON secret.
type AWSSecretsManagerProvider struct {
	opts AWSOptions

	once   sync.Once
	client *secretsmanager.Client
	err    error
}

// NewAWSSecretsManagerProvider creates the provider. The AWS client is built
// on first use.
func NewAWSSecretsManagerProvider(opts AWSOptions) *AWSSecretsManagerProvider {
	return &AWSSecretsManagerProvider{opts: opts}
}

func (p *AWSSecretsManagerProvider) Name() string {
	return "awssm"
}

func (p *AWSSecretsManagerProvider) init(ctx context.Context) (*secretsmanager.Client, error) {
	p.once.Do(func() {
		var loadOpts []func(*config.LoadOptions) error
		if p.opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(p.opts.Region))
		}
		if p.opts.AccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(p.opts.AccessKey, p.opts.SecretKey, ""),
			))
		}

		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			p.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		p.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
			if p.opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(p.opts.Endpoint)
			}
		})
	})
	return p.client, p.err
}

func (p *AWSSecretsManagerProvider) Get(ctx context.Context, key string) (string, error) {
	client, err := p.init(ctx)
	if err != nil {
		return "", err
	}

	id, field, _ := strings.Cut(key, "#")
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
		}
		return "", err
	}

	value := aws.ToString(out.SecretString)
	if value == "" && len(out.SecretBinary) > 0 {
		value = string(out.SecretBinary)
	}
	if field == "" {
		return strings.TrimSpace(value), nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: field %s of %s", ErrSecretNotFound, field, id)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s of %s is not a string", field, id)
	}
	return s, nil
}
