package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"agent-relay/internal/usecase"
)

type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (usecase.IngestResult, error)
}

// TokenGetter reads a secret token by parameter name.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type WebhookDeps struct {
	Ingester         Ingester
	Tokens           TokenGetter
	VerifyTokenParam string
	Store            Pinger
	Broker           Pinger
	Logger           *slog.Logger
}

// WebhookHandler serves the channel webhook behind API Gateway:
// GET for the subscription handshake, POST for events, GET /health.
type WebhookHandler struct {
	ingester         Ingester
	tokens           TokenGetter
	verifyTokenParam string
	store            Pinger
	broker           Pinger
	logger           *slog.Logger
}

type ingestResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
	JobID   string `json:"jobId,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

type healthResponse struct {
	OK     bool   `json:"ok"`
	Store  string `json:"store"`
	Broker string `json:"broker"`
}

func NewWebhookHandler(deps WebhookDeps) (*WebhookHandler, error) {
	if deps.Ingester == nil {
		return nil, errors.New("handler: ingester must not be nil")
	}
	if deps.Tokens == nil || strings.TrimSpace(deps.VerifyTokenParam) == "" {
		return nil, errors.New("handler: verify token source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		ingester:         deps.Ingester,
		tokens:           deps.Tokens,
		verifyTokenParam: deps.VerifyTokenParam,
		store:            deps.Store,
		broker:           deps.Broker,
		logger:           logger,
	}, nil
}

func (h *WebhookHandler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event)
	switch {
	case event.HTTPMethod == http.MethodGet && strings.HasSuffix(strings.TrimRight(event.Path, "/"), "/health"):
		return h.health(ctx, corrID), nil
	case event.HTTPMethod == http.MethodGet:
		return h.verify(ctx, event, corrID), nil
	case event.HTTPMethod == http.MethodPost:
		return h.ingest(ctx, event, corrID), nil
	default:
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
}

func (h *WebhookHandler) ingest(ctx context.Context, event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorMalformedPayload), Message: "invalid base64 body"})
		}
		body = decoded
	}

	res, err := h.ingester.Ingest(ctx, body)
	if err != nil {
		h.logger.Error("webhook_ingest_failed",
			"correlation_id", corrID,
			"code", string(usecase.CodeOf(err)),
			"error", err.Error(),
		)
		return errorToResponse(err, corrID)
	}
	return jsonResponse(http.StatusOK, corrID, ingestResponse{
		OK:      true,
		Outcome: string(res.Outcome),
		JobID:   res.JobID,
		TraceID: res.TraceID,
	})
}

// verify answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) verify(ctx context.Context, event events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	q := event.QueryStringParameters
	if q["hub.mode"] != "subscribe" || q["hub.verify_token"] == "" {
		return jsonResponse(http.StatusForbidden, corrID, errorResponse{Error: string(usecase.ErrorUnauthorized)})
	}
	expected, err := h.tokens.Token(ctx, h.verifyTokenParam)
	if err != nil {
		h.logger.Error("verify_token_unavailable", "correlation_id", corrID, "error", err.Error())
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if q["hub.verify_token"] != expected {
		return jsonResponse(http.StatusForbidden, corrID, errorResponse{Error: string(usecase.ErrorUnauthorized)})
	}
	return textResponse(http.StatusOK, corrID, q["hub.challenge"])
}

func (h *WebhookHandler) health(ctx context.Context, corrID string) events.APIGatewayProxyResponse {
	resp := healthResponse{OK: true, Store: probe(ctx, h.store), Broker: probe(ctx, h.broker)}
	status := http.StatusOK
	if resp.Store != "ok" || resp.Broker != "ok" {
		resp.OK = false
		status = http.StatusServiceUnavailable
	}
	return jsonResponse(status, corrID, resp)
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unconfigured"
	}
	if err := p.Ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}
