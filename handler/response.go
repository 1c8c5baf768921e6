package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"agent-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// headerValue looks up a header case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func correlationID(event events.APIGatewayProxyRequest) string {
	if id := strings.TrimSpace(headerValue(event.Headers, correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

func textResponse(status int, corrID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain",
			correlationHeader: corrID,
		},
		Body: body,
	}
}

func errorToResponse(err error, corrID string) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	return jsonResponse(statusForCode(code), corrID, errorResponse{Error: string(code)})
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorMalformedPayload:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusForbidden
	case usecase.ErrorDeliveryFailed, usecase.ErrorDeliveryRejected, usecase.ErrorSessionCreationFailed, usecase.ErrorStream:
		return http.StatusBadGateway
	case usecase.ErrorAccessCheckFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
