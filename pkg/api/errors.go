package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeOAuthRequired   ErrorType = "oauth_required"
	ErrorTypeUpstreamError   ErrorType = "upstream_error"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
)

// APIError represents a structured API error.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`

	// Server names the MCP server the error relates to.
	Server string `json:"server,omitempty"`

	// AuthorizationURL is set on oauth_required errors when the user can
	// authorize right away.
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewUnauthorizedError creates an APIError for operations that need an
// authenticated user.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

// NewOAuthRequiredError creates an APIError telling the caller that the
// user must authorize server first. authorizationURL may be empty.
func NewOAuthRequiredError(server, authorizationURL string) *APIError {
	return &APIError{
		Type:             ErrorTypeOAuthRequired,
		Message:          fmt.Sprintf("MCP server %q requires authorization", server),
		Server:           server,
		AuthorizationURL: authorizationURL,
	}
}

// NewUpstreamError creates an APIError for failures of an MCP server.
func NewUpstreamError(server, message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamError, Server: server, Message: message}
}

// NewTimeoutError creates an APIError for operations that ran out of time.
func NewTimeoutError(server, message string) *APIError {
	return &APIError{Type: ErrorTypeTimeout, Server: server, Message: message}
}

// NewTooManyRequestsError creates an APIError for rate-limited callers.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}
