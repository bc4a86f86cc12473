package stream

import (
	"bytes"
	"encoding/json"
	"errors"

	"protorelay/internal/protocol"
)

type EventKind int

const (
	EventNoop EventKind = iota
	EventDelta
	EventStop
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventStop:
		return "stop"
	case EventError:
		return "error"
	default:
		return "noop"
	}
}

// Event is one decoded upstream frame.
type Event struct {
	Kind EventKind
	Text string
	// ErrType and Message are set for EventError.
	ErrType string
	Message string
}

// Decoder maps upstream frame payloads to events. A returned error means the
// frame was malformed; callers skip it.
type Decoder interface {
	Decode(payload []byte) (Event, error)
	// StopReason is the raw finish reason seen so far, if any.
	StopReason() string
	// OutputTokens is the completion token count seen so far, if any.
	OutputTokens() int
}

// NewDecoder returns a decoder for frames produced by upstream.
func NewDecoder(upstream protocol.Protocol) Decoder {
	if upstream == protocol.Anthropic {
		return &anthropicDecoder{}
	}
	return &openAIDecoder{}
}

var errEmptyFrame = errors.New("empty frame")

type anthropicDecoder struct {
	reason       string
	outputTokens int
}

func (d *anthropicDecoder) Decode(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return Event{}, errEmptyFrame
	}
	var ev protocol.StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, err
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			return Event{Kind: EventDelta, Text: ev.Delta.Text}, nil
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != nil {
			d.reason = *ev.Delta.StopReason
		}
		if ev.Usage != nil {
			d.outputTokens = ev.Usage.OutputTokens
		}
	case "message_stop":
		return Event{Kind: EventStop}, nil
	case "error":
		out := Event{Kind: EventError, ErrType: protocol.ErrStream, Message: "upstream stream error"}
		if ev.Error != nil {
			if ev.Error.Message != "" {
				out.Message = ev.Error.Message
			}
			if ev.Error.Type != "" {
				out.ErrType = ev.Error.Type
			}
		}
		return out, nil
	}
	return Event{Kind: EventNoop}, nil
}

func (d *anthropicDecoder) StopReason() string { return d.reason }
func (d *anthropicDecoder) OutputTokens() int  { return d.outputTokens }

type openAIDecoder struct {
	reason       string
	outputTokens int
}

type openAIFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *protocol.ChatUsage `json:"usage"`
	Error json.RawMessage     `json:"error"`
}

func (d *openAIDecoder) Decode(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return Event{}, errEmptyFrame
	}
	if bytes.Equal(payload, []byte(protocol.StreamDoneSentinel)) {
		return Event{Kind: EventStop}, nil
	}

	var frame openAIFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Event{}, err
	}

	if len(frame.Error) > 0 && !bytes.Equal(frame.Error, []byte("null")) {
		msg := protocol.ExtractErrorMessage(payload)
		if msg == "" {
			msg = "upstream stream error"
		}
		return Event{Kind: EventError, ErrType: protocol.ErrStream, Message: msg}, nil
	}
	if frame.Usage != nil {
		d.outputTokens = frame.Usage.CompletionTokens
	}
	if len(frame.Choices) == 0 {
		return Event{Kind: EventNoop}, nil
	}

	choice := frame.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		d.reason = *choice.FinishReason
	}
	if choice.Delta.Content != "" {
		return Event{Kind: EventDelta, Text: choice.Delta.Content}, nil
	}
	return Event{Kind: EventNoop}, nil
}

func (d *openAIDecoder) StopReason() string { return d.reason }
func (d *openAIDecoder) OutputTokens() int  { return d.outputTokens }
