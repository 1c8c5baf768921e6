package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/usecase"
)

type stubIngester struct {
	out usecase.IngestResult
	err error
	raw []byte
}

func (s *stubIngester) Ingest(_ context.Context, raw []byte) (usecase.IngestResult, error) {
	s.raw = raw
	return s.out, s.err
}

type stubTokens struct {
	token string
	err   error
	names []string
}

func (s *stubTokens) Token(_ context.Context, name string) (string, error) {
	s.names = append(s.names, name)
	return s.token, s.err
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

func newTestWebhookHandler(t *testing.T, ing *stubIngester, tokens *stubTokens) *WebhookHandler {
	t.Helper()
	h, err := NewWebhookHandler(WebhookDeps{
		Ingester:         ing,
		Tokens:           tokens,
		VerifyTokenParam: "/relay/webhook-verify-token",
		Store:            stubPinger{},
		Broker:           stubPinger{},
	})
	require.NoError(t, err)
	return h
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewWebhookHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewWebhookHandler(WebhookDeps{})
	require.Error(t, err)

	_, err = NewWebhookHandler(WebhookDeps{Ingester: &stubIngester{}, Tokens: &stubTokens{}})
	require.Error(t, err)
}

func TestHandle_IngestHappyPath(t *testing.T) {
	ing := &stubIngester{out: usecase.IngestResult{Outcome: usecase.IngestQueued, JobID: "job-1", TraceID: "trace-1"}}
	h := newTestWebhookHandler(t, ing, &stubTokens{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook/whatsapp", `{"entry":[]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"entry":[]}`, string(ing.raw))

	out := parseBody[ingestResponse](t, resp.Body)
	require.True(t, out.OK)
	require.Equal(t, "queued", out.Outcome)
	require.Equal(t, "job-1", out.JobID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_DecodesBase64Body(t *testing.T) {
	ing := &stubIngester{out: usecase.IngestResult{Outcome: usecase.IngestIgnored}}
	h := newTestWebhookHandler(t, ing, &stubTokens{})

	event := makeEvent(http.MethodPost, "/webhook/whatsapp", base64.StdEncoding.EncodeToString([]byte(`{"entry":[]}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"entry":[]}`, string(ing.raw))

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "malformed", err: &usecase.Error{Code: usecase.ErrorMalformedPayload, Reason: "invalid_json"}, status: http.StatusBadRequest, code: string(usecase.ErrorMalformedPayload)},
		{name: "delivery", err: &usecase.Error{Code: usecase.ErrorDeliveryFailed, Reason: "no_access_notice_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorDeliveryFailed)},
		{name: "rejected", err: &usecase.Error{Code: usecase.ErrorDeliveryRejected, Reason: "no_access_notice_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorDeliveryRejected)},
		{name: "store", err: &usecase.Error{Code: usecase.ErrorStore, Reason: "job_create_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorStore)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestWebhookHandler(t, &stubIngester{err: tc.err}, &stubTokens{})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook/whatsapp", `{}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestWebhookHandler(t, &stubIngester{out: usecase.IngestResult{Outcome: usecase.IngestIgnored}}, &stubTokens{})

	event := makeEvent(http.MethodPost, "/webhook/whatsapp", `{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_VerifyHandshake(t *testing.T) {
	cases := []struct {
		name   string
		query  map[string]string
		status int
		body   string
	}{
		{
			name:   "matching token echoes challenge",
			query:  map[string]string{"hub.mode": "subscribe", "hub.verify_token": "secret", "hub.challenge": "12345"},
			status: http.StatusOK,
			body:   "12345",
		},
		{
			name:   "wrong token",
			query:  map[string]string{"hub.mode": "subscribe", "hub.verify_token": "nope", "hub.challenge": "12345"},
			status: http.StatusForbidden,
		},
		{
			name:   "wrong mode",
			query:  map[string]string{"hub.mode": "unsubscribe", "hub.verify_token": "secret", "hub.challenge": "12345"},
			status: http.StatusForbidden,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tokens := &stubTokens{token: "secret"}
			h := newTestWebhookHandler(t, &stubIngester{}, tokens)

			event := makeEvent(http.MethodGet, "/webhook/whatsapp", "")
			event.QueryStringParameters = tc.query
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.body != "" {
				require.Equal(t, tc.body, resp.Body)
				require.Equal(t, []string{"/relay/webhook-verify-token"}, tokens.names)
			}
		})
	}
}

func TestHandle_VerifyTokenUnavailable(t *testing.T) {
	h := newTestWebhookHandler(t, &stubIngester{}, &stubTokens{err: errors.New("ssm down")})

	event := makeEvent(http.MethodGet, "/webhook/whatsapp", "")
	event.QueryStringParameters = map[string]string{"hub.mode": "subscribe", "hub.verify_token": "secret"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandle_Health(t *testing.T) {
	h := newTestWebhookHandler(t, &stubIngester{}, &stubTokens{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, healthResponse{OK: true, Store: "ok", Broker: "ok"}, parseBody[healthResponse](t, resp.Body))

	h.broker = stubPinger{err: errors.New("queue gone")}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, healthResponse{OK: false, Store: "ok", Broker: "error"}, parseBody[healthResponse](t, resp.Body))
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h := newTestWebhookHandler(t, &stubIngester{}, &stubTokens{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodDelete, "/webhook/whatsapp", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
