package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/roach88/quizgate/internal/session"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error     string            `json:"error"`
	Code      session.ErrorCode `json:"code"`
	SessionID string            `json:"session_id,omitempty"`
}

func statusFor(code session.ErrorCode) int {
	switch code {
	case session.CodeValidation:
		return http.StatusBadRequest
	case session.CodeNotAuthorized:
		return http.StatusForbidden
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeInvalidState:
		return http.StatusConflict
	case session.CodeSessionUnavailable, session.CodeFeedDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		se = &session.Error{Code: session.CodeWriteFailed, Message: "internal error", Err: err}
	}
	status := statusFor(se.Code)
	if status >= 500 {
		slog.Warn("request failed", "code", string(se.Code), "session_id", se.SessionID, "error", err)
	}
	msg := se.Message
	if msg == "" {
		msg = string(se.Code)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: se.Code, SessionID: se.SessionID})
}

// writeUnauthenticated is the 401 for a missing or invalid bearer token.
func writeUnauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="quizgate"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: msg, Code: session.CodeNotAuthorized})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorFromResponse rebuilds a session.Error from an error body.
func errorFromResponse(status int, body errorBody) error {
	code := body.Code
	if code == "" {
		switch status {
		case http.StatusBadRequest:
			code = session.CodeValidation
		case http.StatusUnauthorized, http.StatusForbidden:
			code = session.CodeNotAuthorized
		case http.StatusNotFound:
			code = session.CodeNotFound
		case http.StatusServiceUnavailable:
			code = session.CodeSessionUnavailable
		default:
			code = session.CodeWriteFailed
		}
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &session.Error{Code: code, Message: msg, SessionID: body.SessionID}
}
