package services

import "fmt"

// ServiceError is returned by the chat service for failures the caller can act on.
// Two ServiceErrors match under errors.Is when their codes are equal.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	return ok && t.Code == e.Code
}

var (
	ErrConversationNotFound     = &ServiceError{Code: "CONVERSATION_NOT_FOUND", Message: "Conversation not found"}
	ErrConversationClosed       = &ServiceError{Code: "CONVERSATION_CLOSED", Message: "Conversation is closed"}
	ErrActiveConversationExists = &ServiceError{Code: "ACTIVE_CONVERSATION_EXISTS", Message: "An active conversation already exists for this email"}
	ErrConversationConflict     = &ServiceError{Code: "CONVERSATION_CONFLICT", Message: "Another active conversation exists for this customer"}
	ErrMessageNotFound          = &ServiceError{Code: "MESSAGE_NOT_FOUND", Message: "Message not found"}
	ErrForbidden                = &ServiceError{Code: "FORBIDDEN", Message: "Sender does not own this conversation"}
	ErrDatabase                 = &ServiceError{Code: "DATABASE_ERROR", Message: "Database operation failed"}
)

func dbError(op string, err error) error {
	return &ServiceError{Code: ErrDatabase.Code, Message: "Failed to " + op, Err: err}
}

// ErrTranscriptsDisabled is returned when no transcript bucket is configured
var ErrTranscriptsDisabled = &ServiceError{Code: "TRANSCRIPTS_DISABLED", Message: "Transcript archiving is not configured"}
