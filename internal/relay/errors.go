package relay

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"protorelay/internal/llm"
	"protorelay/internal/protocol"
	"protorelay/internal/stream"
)

// Outcome labels for metrics. Everything except success and canceled counts
// against the account.
const (
	outcomeSuccess   = "success"
	outcomeCanceled  = "canceled"
	outcomeAPIError  = "api_error"
	outcomeTimeout   = "timeout"
	outcomeTransport = "transport_error"
	outcomeStream    = "stream_error"
	outcomeInvalid   = "invalid_response"
	outcomeInternal  = "internal_error"
)

func isFailure(outcome string) bool {
	return outcome != outcomeSuccess && outcome != outcomeCanceled
}

// writeUpstreamError answers a buffered request whose upstream call failed.
// Same-protocol error bodies are passed through untouched.
func (r *Relay) writeUpstreamError(w http.ResponseWriter, x *exchange, err error) string {
	var apiErr *llm.APIError
	var timeoutErr *llm.TimeoutError
	var transportErr *llm.TransportError

	switch {
	case llm.IsCanceled(err):
		x.logger.Info("caller went away before upstream answered")
		return outcomeCanceled

	case errors.As(err, &apiErr):
		if x.same && len(apiErr.Body) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apiErr.StatusCode)
			_, _ = w.Write(apiErr.Body)
			return outcomeAPIError
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		protocol.WriteError(w, x.caller, apiErr.StatusCode, protocol.KindForStatus(apiErr.StatusCode), msg)
		return outcomeAPIError

	case errors.As(err, &timeoutErr):
		protocol.WriteError(w, x.caller, http.StatusGatewayTimeout, protocol.ErrTimeout, "Request timeout")
		return outcomeTimeout

	case errors.As(err, &transportErr):
		protocol.WriteError(w, x.caller, http.StatusBadGateway, protocol.ErrTransport, "HTTP error: upstream connection failed")
		return outcomeTransport

	default:
		x.logger.Error("upstream call failed", zap.Error(err))
		protocol.WriteError(w, x.caller, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
		return outcomeInternal
	}
}

func streamOutcome(out stream.Outcome) string {
	if out.Canceled {
		return outcomeCanceled
	}
	if out.State != stream.StateErrorTerminal {
		return outcomeSuccess
	}

	var apiErr *llm.APIError
	var timeoutErr *llm.TimeoutError
	var transportErr *llm.TransportError
	switch {
	case errors.As(out.Err, &apiErr):
		return outcomeAPIError
	case errors.As(out.Err, &timeoutErr):
		return outcomeTimeout
	case errors.As(out.Err, &transportErr):
		return outcomeTransport
	default:
		return outcomeStream
	}
}
