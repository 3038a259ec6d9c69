package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the maximum number of parameters a single SSM
// GetParameters call accepts. This is an AWS service limit.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK client used by SSMProvider.
// Tests substitute a mock.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider implements SecretProvider by resolving SecureString parameters
// from AWS Systems Manager Parameter Store. It backs every environment except
// local development, where the database URL, the Stripe signing secret and
// the API key hashes are read from the environment directly.
//
// The SSM client is created lazily on first use so that processes which set
// every secret directly never load AWS credentials.
type SSMProvider struct {
	region string
	client ssmClient
}

// NewSSMProvider creates an SSMProvider for region. The region must be the
// one the parameters are stored in; an empty region defers to the SDK's
// default resolution (AWS_REGION, shared config).
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// newSSMProviderWithClient creates an SSMProvider around an injected client.
// Used by tests.
func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

// ensureClient initializes the SSM client on first use with the SDK default
// config loader and the configured region.
func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("load AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch retrieves the decrypted values of keys from Parameter
// Store and returns a map of parameter path to plaintext.
//
// Implementation details:
//   - Keys are sent in groups of ssmMaxBatchSize with WithDecryption set
//   - Context cancellation is checked between groups so a Lambda timeout
//     stops resolution cleanly
//   - Any parameter SSM reports as invalid (not found) fails the whole call,
//     since a half-resolved secret set must not reach startup
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("SSM resolution interrupted: %w", err)
		}
		end := min(start+ssmMaxBatchSize, len(keys))

		resp, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters (keys %d-%d of %d): %w", start, end-1, len(keys), err)
		}
		if len(resp.InvalidParameters) > 0 {
			return nil, fmt.Errorf("SSM parameters not found: %s", strings.Join(resp.InvalidParameters, ", "))
		}
		for _, param := range resp.Parameters {
			if param.Name != nil && param.Value != nil {
				out[*param.Name] = *param.Value
			}
		}
	}
	return out, nil
}
