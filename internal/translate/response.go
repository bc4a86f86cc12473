package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"protorelay/internal/protocol"
)

// ParseResponse dispatches to the parser for the upstream protocol.
func ParseResponse(upstream protocol.Protocol, body []byte) (*Response, error) {
	if upstream == protocol.Anthropic {
		return ParseAnthropicResponse(body)
	}
	return ParseOpenAIResponse(body)
}

// ParseAnthropicResponse concatenates the text blocks of a Messages response
// in order.
func ParseAnthropicResponse(body []byte) (*Response, error) {
	var raw protocol.MessagesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	var sb strings.Builder
	for _, b := range raw.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	reason := ""
	if raw.StopReason != nil {
		reason = *raw.StopReason
	}

	return &Response{
		ID:             raw.ID,
		Model:          raw.Model,
		Text:           sb.String(),
		Finish:         NormalizeFinish(protocol.Anthropic, reason),
		UpstreamReason: reason,
		Usage: Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
		},
	}, nil
}

// ParseOpenAIResponse reads the first choice of a Chat Completions response.
func ParseOpenAIResponse(body []byte) (*Response, error) {
	var raw protocol.ChatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode chat completions response: %w", err)
	}
	if len(raw.Choices) == 0 {
		return nil, errors.New("upstream returned no choices")
	}

	choice := raw.Choices[0]
	text := ""
	if choice.Message.Content != nil {
		text = *choice.Message.Content
	}

	resp := &Response{
		ID:             raw.ID,
		Model:          raw.Model,
		Text:           text,
		Finish:         NormalizeFinish(protocol.OpenAI, choice.FinishReason),
		UpstreamReason: choice.FinishReason,
	}
	if raw.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// EncodeResponse renders resp in the caller protocol. model is echoed verbatim
// and a fresh id is generated.
func EncodeResponse(caller protocol.Protocol, resp *Response, model string) ([]byte, error) {
	if caller == protocol.Anthropic {
		return EncodeAnthropicResponse(resp, model)
	}
	return EncodeOpenAIResponse(resp, model)
}

func EncodeOpenAIResponse(resp *Response, model string) ([]byte, error) {
	text := resp.Text
	out := protocol.ChatResponse{
		ID:      NewChatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      protocol.ResponseMessage{Role: string(RoleAssistant), Content: &text},
			FinishReason: resp.Finish,
		}},
		Usage: &protocol.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.Total(),
		},
	}
	return json.Marshal(out)
}

func EncodeAnthropicResponse(resp *Response, model string) ([]byte, error) {
	reason := AnthropicStopReason(resp)
	out := protocol.MessagesResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       string(RoleAssistant),
		Model:      model,
		Content:    []protocol.ContentBlock{{Type: "text", Text: resp.Text}},
		StopReason: &reason,
		Usage: protocol.MessagesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}
