package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes session errors.
type ErrorCode string

const (
	// CodeSessionUnavailable indicates the store could not be reached at startup or recovery.
	CodeSessionUnavailable ErrorCode = "SESSION_UNAVAILABLE"

	// CodeWriteFailed indicates a single write did not commit.
	CodeWriteFailed ErrorCode = "WRITE_FAILED"

	// CodeNotAuthorized indicates a privileged action without the capability.
	CodeNotAuthorized ErrorCode = "NOT_AUTHORIZED"

	// CodeValidation indicates malformed input rejected before any write.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeFeedDisconnected indicates the change feed subscription dropped.
	CodeFeedDisconnected ErrorCode = "FEED_DISCONNECTED"

	// CodeNotFound indicates the record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInvalidState indicates an operation not valid in the current local state.
	CodeInvalidState ErrorCode = "INVALID_STATE"
)

// Error is the error type returned at agent and store boundaries.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Err       error
}

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrSessionUnavailable = &Error{Code: CodeSessionUnavailable}
	ErrWriteFailed        = &Error{Code: CodeWriteFailed}
	ErrNotAuthorized      = &Error{Code: CodeNotAuthorized}
	ErrValidation         = &Error{Code: CodeValidation}
	ErrFeedDisconnected   = &Error{Code: CodeFeedDisconnected}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the error code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotAuthorized reports whether err carries CodeNotAuthorized.
func IsNotAuthorized(err error) bool { return CodeOf(err) == CodeNotAuthorized }

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsValidation reports whether err carries CodeValidation.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// NewValidationError creates a CodeValidation error.
func NewValidationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// NewNotFoundError creates a CodeNotFound error for a session id.
func NewNotFoundError(id string) *Error {
	return &Error{Code: CodeNotFound, Message: "session not found", SessionID: id}
}

// NewWriteFailedError wraps a write failure.
func NewWriteFailedError(id string, err error) *Error {
	return &Error{Code: CodeWriteFailed, Message: "write did not commit", SessionID: id, Err: err}
}

// NewNotAuthorizedError creates a CodeNotAuthorized error for an action.
func NewNotAuthorizedError(action, moderatorID string) *Error {
	return &Error{Code: CodeNotAuthorized, Message: fmt.Sprintf("%s requires a privileged moderator (moderator=%s)", action, moderatorID)}
}

// NewInvalidStateError reports an operation that the local state machine does not allow.
func NewInvalidStateError(msg string) *Error {
	return &Error{Code: CodeInvalidState, Message: msg}
}
