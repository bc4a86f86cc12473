// Package protocol holds the wire shapes of the two chat protocols the relay
// speaks and the error envelopes each of them expects.
package protocol

import (
	"fmt"
	"strings"
)

// Protocol identifies a chat wire format.
type Protocol string

const (
	// OpenAI is the Chat Completions format (chunk SSE terminated by [DONE]).
	OpenAI Protocol = "openai"
	// Anthropic is the Messages format (typed SSE events).
	Anthropic Protocol = "anthropic"
)

const (
	DefaultAnthropicVersion = "2023-06-01"

	openAIChatPath     = "/v1/chat/completions"
	anthropicChatPath  = "/v1/messages"
	modelsPath         = "/v1/models"
	StreamDoneSentinel = "[DONE]"
)

// Parse maps a config value to a Protocol.
func Parse(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "chat", "chat_completions":
		return OpenAI, nil
	case "anthropic", "claude", "messages":
		return Anthropic, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// ChatPath is the chat endpoint path for p.
func (p Protocol) ChatPath() string {
	if p == Anthropic {
		return anthropicChatPath
	}
	return openAIChatPath
}

// ModelsPath is the model listing path; both protocols share it.
func (p Protocol) ModelsPath() string {
	return modelsPath
}

func (p Protocol) String() string {
	return string(p)
}
