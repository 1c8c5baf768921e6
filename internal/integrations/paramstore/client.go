package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// tokenPayload is the JSON shape secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI

	mu     sync.Mutex
	tokens map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, tokens: make(map[string]string)}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Token returns the "token" field of a JSON secret parameter. Successful
// reads are cached for the process lifetime; failures are retried on the
// next call.
func (c *Client) Token(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[name]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %q as token JSON: %w", name, err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("paramstore: token in %q is empty", name)
	}

	c.mu.Lock()
	c.tokens[name] = tp.Token
	c.mu.Unlock()
	return tp.Token, nil
}
