// Package apierror maps internal errors to the canonical JSON error
// envelope returned by the HTTP surface.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxlane/voxlane/pkg/gateway/protocol"
	"github.com/voxlane/voxlane/pkg/sessions"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrNotAccepting   ErrorType = "not_accepting_input_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string { return string(e.Type) + ": " + e.Message }

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError converts any error into the canonical envelope error and the
// HTTP status it should be served with.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	// Strict decode errors (client message bodies).
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      ErrInvalidRequest,
			Message:   decodeErr.Message,
			Code:      decodeErr.Code,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Session registry sentinels.
	if errors.Is(err, sessions.ErrSessionExists) {
		return &Error{
			Type:      ErrConflict,
			Message:   "session already exists",
			RequestID: requestID,
		}, http.StatusConflict
	}
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return &Error{
			Type:      ErrNotFound,
			Message:   "session not found",
			RequestID: requestID,
		}, http.StatusNotFound
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrNotAccepting:
		return http.StatusPreconditionFailed
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write serves err as the canonical JSON envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	apiErr, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}

func NotAccepting(message string) *Error {
	return &Error{Type: ErrNotAccepting, Message: message}
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func NotFound(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}
