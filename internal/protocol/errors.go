package protocol

import (
	"encoding/json"
	"net/http"
)

// Error kinds shared by both envelopes.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
	ErrOverloaded     = "overloaded_error"
	ErrTimeout        = "timeout_error"
	ErrTransport      = "http_error"
	ErrStream         = "stream_error"
	ErrInternal       = "internal_error"
	ErrUnavailable    = "service_unavailable"
)

// KindForStatus picks an error kind for an upstream status code.
func KindForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	case status == http.StatusUnauthorized:
		return ErrAuthentication
	case status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == 529:
		return ErrOverloaded
	default:
		return ErrAPI
	}
}

// ErrorBody renders the error envelope of p. code is only carried by the
// OpenAI envelope and is omitted when zero.
func ErrorBody(p Protocol, kind, message string, code int) []byte {
	var v any
	if p == Anthropic {
		v = AnthropicError{Type: "error", Error: AnthropicErrorDetail{Type: kind, Message: message}}
	} else {
		detail := OpenAIErrorDetail{Message: message, Type: kind}
		if code != 0 {
			detail.Code = code
		}
		v = OpenAIError{Error: detail}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"internal_error"}}`)
	}
	return b
}

// WriteError writes a JSON error response in the envelope of p.
func WriteError(w http.ResponseWriter, p Protocol, status int, kind, message string) {
	code := 0
	if kind == ErrAPI {
		code = status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(ErrorBody(p, kind, message, code))
}

// ExtractErrorMessage pulls a human readable message out of an upstream error
// body of either envelope. It returns "" when none is found.
func ExtractErrorMessage(body []byte) string {
	var envelope struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
			return detail.Message
		}
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
			return s
		}
	}
	return envelope.Message
}
