package client

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the chat API, matched with errors.Is
var (
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrConversationClosed       = errors.New("conversation is closed")
	ErrActiveConversationExists = errors.New("an active conversation already exists")
	ErrConversationConflict     = errors.New("another active conversation exists")
	ErrMessageNotFound          = errors.New("message not found")
	ErrForbidden                = errors.New("forbidden")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrValidation               = errors.New("validation failed")
	ErrRateLimited              = errors.New("rate limited")
	ErrUnavailable              = errors.New("service unavailable")
)

var codeErrors = map[string]error{
	"CONVERSATION_NOT_FOUND":     ErrConversationNotFound,
	"CONVERSATION_CLOSED":        ErrConversationClosed,
	"ACTIVE_CONVERSATION_EXISTS": ErrActiveConversationExists,
	"CONVERSATION_CONFLICT":      ErrConversationConflict,
	"MESSAGE_NOT_FOUND":          ErrMessageNotFound,
	"FORBIDDEN":                  ErrForbidden,
	"INSUFFICIENT_SCOPE":         ErrForbidden,
	"MISSING_CLAIMS":             ErrUnauthorized,
	"INVALID_TOKEN":              ErrUnauthorized,
	"UNAUTHORIZED":               ErrUnauthorized,
	"VALIDATION_ERROR":           ErrValidation,
	"RATE_LIMITED":               ErrRateLimited,
	"TRANSCRIPTS_DISABLED":       ErrUnavailable,
	"REALTIME_UNAVAILABLE":       ErrUnavailable,
	"REAPER_DISABLED":            ErrUnavailable,
}

// FieldError is one rejected form field
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is an error envelope returned by the server
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]FieldError
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for field, fe := range e.Fields {
		parts = append(parts, field+": "+fe.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, strings.Join(parts, "; "))
}

// Unwrap maps the error code onto the package sentinels
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// TransportError is a request that never produced a readable envelope:
// a network failure or a non-JSON response.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport failure rather than a server decision
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
