package agentengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"agent-relay/internal/domain"
)

// CloudPlatformScope is the OAuth scope the agent backend requires.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

const (
	defaultHTTPTimeout = 90 * time.Second
	readChunkSize      = 4096
)

// createSessionRequest is the body of the session-creation endpoint.
type createSessionRequest struct {
	UserID string `json:"userId"`
}

type createSessionResponse struct {
	Name string `json:"name"`
}

// streamQueryRequest is the class-method envelope streamQuery expects.
type streamQueryRequest struct {
	ClassMethod string           `json:"classMethod"`
	Input       streamQueryInput `json:"input"`
}

type streamQueryInput struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id,omitempty"`
	Message       string `json:"message"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agentengine: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to a hosted reasoning engine: it creates sessions and runs
// streamed queries against them.
type Client struct {
	baseURL    string
	engineName string
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for projects/{project}/locations/{location}/reasoningEngines/{engineID}.
// tokens supplies the bearer token for every call.
func NewClient(tokens oauth2.TokenSource, project, location, engineID string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("agentengine: token source must not be nil")
	}
	project, location, engineID = strings.TrimSpace(project), strings.TrimSpace(location), strings.TrimSpace(engineID)
	if project == "" || location == "" || engineID == "" {
		return nil, errors.New("agentengine: project, location and engine id are required")
	}
	c := &Client{
		baseURL:    fmt.Sprintf("https://%s-aiplatform.googleapis.com", location),
		engineName: fmt.Sprintf("projects/%s/locations/%s/reasoningEngines/%s", project, location, engineID),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func (c *Client) engineURL() string {
	return strings.TrimRight(c.baseURL, "/") + "/v1/" + c.engineName
}

func sessionsURL(engineURL string) string {
	return engineURL + "/sessions"
}

func streamQueryURL(engineURL, sessionHandle string) string {
	if sessionHandle == "" {
		return engineURL + ":streamQuery"
	}
	return engineURL + "/sessions/" + sessionHandle + ":streamQuery"
}

// CreateSession opens a backend session for identity and returns its handle.
func (c *Client) CreateSession(ctx context.Context, identity domain.Identity) (string, error) {
	body, err := json.Marshal(createSessionRequest{UserID: identity.Key()})
	if err != nil {
		return "", fmt.Errorf("agentengine: marshal session request: %w", err)
	}
	url := sessionsURL(c.engineURL())
	req, err := c.newRequest(ctx, url, body)
	if err != nil {
		return "", err
	}

	res, err := c.do(req, url)
	if err != nil {
		return "", fmt.Errorf("agentengine: create session: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("agentengine: read session response: %w", err)
	}
	var payload createSessionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("agentengine: decode session response: %w", err)
	}
	if payload.Name == "" {
		return "", errors.New("agentengine: session response has no name")
	}
	handle, ok := sessionHandleFromName(payload.Name)
	if !ok {
		return "", fmt.Errorf("agentengine: unrecognized session name %q", payload.Name)
	}
	return handle, nil
}

// Query runs a streamed query and returns the concatenated reply text. An
// empty stream is not an error: the reply is domain.AgentFallbackReply.
func (c *Client) Query(ctx context.Context, q domain.AgentQuery) (domain.AgentReply, error) {
	input := streamQueryInput{
		UserID:    q.Identity.Key(),
		SessionID: q.SessionHandle,
		Message:   q.Text,
	}
	if q.LastMessageAt != nil {
		input.LastMessageAt = q.LastMessageAt.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(streamQueryRequest{ClassMethod: "stream_query", Input: input})
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("agentengine: marshal query: %w", err)
	}
	url := streamQueryURL(c.engineURL(), q.SessionHandle)
	req, err := c.newRequest(ctx, url, body)
	if err != nil {
		return domain.AgentReply{}, err
	}

	res, err := c.do(req, url)
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("agentengine: stream query: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	reply, err := accumulate(res.Body)
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("agentengine: stream: %w", err)
	}
	return reply, nil
}

// accumulate drains r chunk by chunk into a streamAccumulator.
func accumulate(r io.Reader) (domain.AgentReply, error) {
	var acc streamAccumulator
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return acc.Reply(), nil
		}
		if err != nil {
			return domain.AgentReply{}, err
		}
	}
}

func (c *Client) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("agentengine: access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentengine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)
	return req, nil
}

// do sends req and returns the response for a 2xx status. The caller closes the body.
func (c *Client) do(req *http.Request, url string) (*http.Response, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	return res, nil
}
