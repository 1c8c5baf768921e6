package whatsapp

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
)

// sendRequest is the Cloud API text message body.
type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// TokenGetter resolves the access token stored under an SSM parameter.
// Implementations cache successes and retry failures.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures a rejected send.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends text messages from one business phone number.
type Client struct {
	apiURL        string
	phoneNumberID string
	httpClient    *http.Client
	tokens        TokenGetter
	tokenParam    string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The access token is resolved from the SSM
// parameter tokenParam on every send.
func NewClient(tokens TokenGetter, apiURL, phoneNumberID, tokenParam string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("whatsapp: token getter must not be nil")
	}
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		return nil, errors.New("whatsapp: api url must not be empty")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	if strings.TrimSpace(tokenParam) == "" {
		return nil, errors.New("whatsapp: token parameter must not be empty")
	}
	c := &Client{
		apiURL:        apiURL,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		tokens:        tokens,
		tokenParam:    tokenParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	token, err := c.tokens.Token(ctx, c.tokenParam)
	if err != nil {
		return "", fmt.Errorf("whatsapp: resolve access token: %w", err)
	}
	if token == "" {
		return "", errors.New("whatsapp: access token is empty")
	}
	return token, nil
}

func (c *Client) messagesURL() string {
	return c.apiURL + "/" + c.phoneNumberID + "/messages"
}

// NormalizeRecipient strips everything but digits.
func NormalizeRecipient(to string) string {
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Send delivers text to the recipient phone number.
func (c *Client) Send(ctx context.Context, to, text string) error {
	recipient := NormalizeRecipient(to)
	if recipient == "" {
		return errors.New("whatsapp: recipient must contain digits")
	}
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}
