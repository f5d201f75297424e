package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rhuss/mcpconnect/pkg/api"
	"github.com/rhuss/mcpconnect/pkg/mcp"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Transport-level errors (body too large, unsupported content type,
// method not allowed) are handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeUnauthorized, api.ErrorTypeOAuthRequired:
		return http.StatusUnauthorized
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeUpstreamError:
		return http.StatusBadGateway
	case api.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromMCP converts an error returned by the connection manager for
// server into an APIError.
func ErrorFromMCP(server string, err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var pending *mcp.OAuthPendingError
	if errors.As(err, &pending) {
		return api.NewOAuthRequiredError(server, pending.AuthorizationURL)
	}
	if errors.Is(err, mcp.ErrServerNotFound) {
		return api.NewNotFoundError(fmt.Sprintf("MCP server %q not found", server))
	}
	if errors.Is(err, mcp.ErrOAuthTimeout) || mcp.IsAuthError(err) {
		return api.NewOAuthRequiredError(server, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewTimeoutError(server, err.Error())
	}

	var cfgErr *mcp.ConfigurationError
	if errors.As(err, &cfgErr) {
		return api.NewServerError(err.Error())
	}
	return api.NewUpstreamError(server, err.Error())
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. It sets the Content-Type header and writes
// the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	WriteJSON(w, statusCode, api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
