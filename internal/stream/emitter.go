package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"protorelay/internal/protocol"
	"protorelay/internal/translate"
)

// Emitter writes caller-protocol frames. One emitter serves one logical
// response, so every frame shares its id, model and creation time.
type Emitter interface {
	// Begin writes whatever must precede the first delta.
	Begin(w io.Writer) error
	Delta(w io.Writer, text string) error
	// Finish writes the finish frame(s) and the termination marker.
	Finish(w io.Writer, outputTokens int) error
	Error(w io.Writer, kind, message string) error
}

// NewEmitter returns the emitter for the caller protocol.
func NewEmitter(caller protocol.Protocol, model string) Emitter {
	if caller == protocol.Anthropic {
		return &anthropicEmitter{id: translate.NewMessageID(), model: model}
	}
	return &openAIEmitter{id: translate.NewChatCompletionID(), model: model, created: time.Now().Unix()}
}

type openAIEmitter struct {
	id      string
	model   string
	created int64
}

func (e *openAIEmitter) chunk(delta protocol.ChunkDelta, finish *string) protocol.ChatChunk {
	return protocol.ChatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []protocol.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (e *openAIEmitter) Begin(io.Writer) error { return nil }

func (e *openAIEmitter) Delta(w io.Writer, text string) error {
	return writeData(w, e.chunk(protocol.ChunkDelta{Content: text}, nil))
}

func (e *openAIEmitter) Finish(w io.Writer, _ int) error {
	stop := translate.FinishStop
	if err := writeData(w, e.chunk(protocol.ChunkDelta{}, &stop)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", protocol.StreamDoneSentinel)
	return err
}

func (e *openAIEmitter) Error(w io.Writer, kind, message string) error {
	return writeData(w, protocol.OpenAIError{Error: protocol.OpenAIErrorDetail{Message: message, Type: kind}})
}

type anthropicEmitter struct {
	id    string
	model string
}

func (e *anthropicEmitter) Begin(w io.Writer) error {
	start := protocol.StreamEvent{
		Type: "message_start",
		Message: &protocol.MessagesResponse{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []protocol.ContentBlock{},
		},
	}
	if err := writeEvent(w, start); err != nil {
		return err
	}
	return writeEvent(w, protocol.StreamEvent{
		Type:         "content_block_start",
		Index:        intPtr(0),
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: ""},
	})
}

func (e *anthropicEmitter) Delta(w io.Writer, text string) error {
	return writeEvent(w, protocol.StreamEvent{
		Type:  "content_block_delta",
		Index: intPtr(0),
		Delta: &protocol.StreamDelta{Type: "text_delta", Text: text},
	})
}

func (e *anthropicEmitter) Finish(w io.Writer, outputTokens int) error {
	if err := writeEvent(w, protocol.StreamEvent{Type: "content_block_stop", Index: intPtr(0)}); err != nil {
		return err
	}
	reason := "end_turn"
	if err := writeEvent(w, protocol.StreamEvent{
		Type:  "message_delta",
		Delta: &protocol.StreamDelta{StopReason: &reason},
		Usage: &protocol.MessagesUsage{OutputTokens: outputTokens},
	}); err != nil {
		return err
	}
	return writeEvent(w, protocol.StreamEvent{Type: "message_stop"})
}

func (e *anthropicEmitter) Error(w io.Writer, kind, message string) error {
	return writeEvent(w, protocol.StreamEvent{
		Type:  "error",
		Error: &protocol.AnthropicErrorDetail{Type: kind, Message: message},
	})
}

func writeData(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func writeEvent(w io.Writer, ev protocol.StreamEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
	return err
}

func intPtr(i int) *int { return &i }
