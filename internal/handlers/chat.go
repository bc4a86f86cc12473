package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/protocol"
	"protorelay/internal/relay"
	"protorelay/pkg/logging"
)

// Relayer is the part of the relay the HTTP handlers drive.
type Relayer interface {
	Chat(w http.ResponseWriter, r *http.Request, caller protocol.Protocol, body []byte)
	Models(w http.ResponseWriter, r *http.Request, caller protocol.Protocol)
	Health() relay.Health
}

// ChatHandler serves both inbound chat endpoints.
type ChatHandler struct {
	Relay Relayer
}

func NewChatHandler(r Relayer) *ChatHandler {
	return &ChatHandler{Relay: r}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, protocol.OpenAI)
}

// Messages handles POST /v1/messages.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, protocol.Anthropic)
}

func (h *ChatHandler) serve(w http.ResponseWriter, r *http.Request, caller protocol.Protocol) {
	logger := logging.L(r.Context())
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger.Warn("request body too large", zap.Int64("limit", maxErr.Limit))
			protocol.WriteError(w, caller, http.StatusRequestEntityTooLarge, protocol.ErrInvalidRequest, "request body too large")
			return
		}
		logger.Warn("read request body failed", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusBadRequest, protocol.ErrInvalidRequest, "could not read request body")
		return
	}

	h.Relay.Chat(w, r, caller, body)

	logger.Debug("chat request finished",
		zap.String("caller_protocol", caller.String()),
		zap.Int("request_bytes", len(body)),
		zap.Duration("total_latency", time.Since(start)),
	)
}
