package handlers

import (
	"encoding/json"
	"net/http"

	"protorelay/internal/protocol"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	Relay Relayer
}

func NewModelsHandler(r Relayer) *ModelsHandler {
	return &ModelsHandler{Relay: r}
}

// List answers in the envelope of whichever protocol the caller's headers
// suggest: Anthropic callers send x-api-key or anthropic-version.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller := protocol.OpenAI
	if r.Header.Get("X-Api-Key") != "" || r.Header.Get("Anthropic-Version") != "" {
		caller = protocol.Anthropic
	}
	h.Relay.Models(w, r, caller)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	Relay Relayer
}

func NewHealthHandler(r Relayer) *HealthHandler {
	return &HealthHandler{Relay: r}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Health())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
