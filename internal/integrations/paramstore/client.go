package paramstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// GetParameters accepts at most 10 names per call.
const maxNamesPerCall = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter reads decrypted parameters. Consumers depend on it rather than on
// *Client so they stay testable without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

var _ Getter = (*Client)(nil)

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches several parameters, batching the calls. Every name must
// exist; the error lists the ones that don't.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	values := make(map[string]string, len(names))
	var invalid []string
	for start := 0; start < len(names); start += maxNamesPerCall {
		chunk := names[start:min(start+maxNamesPerCall, len(names))]
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          chunk,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		invalid = append(invalid, out.InvalidParameters...)
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			values[*p.Name] = *p.Value
		}
	}

	for _, n := range names {
		if _, ok := values[n]; !ok && !slices.Contains(invalid, n) {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		return nil, fmt.Errorf("paramstore: parameters not found: %s", strings.Join(invalid, ", "))
	}
	return values, nil
}
