package protocol

import "encoding/json"

// MessagesRequest is an inbound or outbound Messages body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ContentBlock covers the text and image block variants.
type ContentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	Source       *ImageSource  `json:"source,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// MarshalJSON drops the text field from non-text blocks.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.Type == "text" {
		type textBlock struct {
			Type         string        `json:"type"`
			Text         string        `json:"text"`
			CacheControl *CacheControl `json:"cache_control,omitempty"`
		}
		return json.Marshal(textBlock{Type: b.Type, Text: b.Text, CacheControl: b.CacheControl})
	}
	type otherBlock struct {
		Type         string        `json:"type"`
		Source       *ImageSource  `json:"source,omitempty"`
		CacheControl *CacheControl `json:"cache_control,omitempty"`
	}
	return json.Marshal(otherBlock{Type: b.Type, Source: b.Source, CacheControl: b.CacheControl})
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type CacheControl struct {
	Type string `json:"type"`
}

type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        MessagesUsage  `json:"usage"`
}

type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is the union of every Messages SSE payload the relay reads or
// writes. Fields irrelevant to Type are left empty.
type StreamEvent struct {
	Type         string                `json:"type"`
	Index        *int                  `json:"index,omitempty"`
	Message      *MessagesResponse     `json:"message,omitempty"`
	ContentBlock *ContentBlock         `json:"content_block,omitempty"`
	Delta        *StreamDelta          `json:"delta,omitempty"`
	Usage        *MessagesUsage        `json:"usage,omitempty"`
	Error        *AnthropicErrorDetail `json:"error,omitempty"`
}

type StreamDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MarshalJSON always writes text on a text_delta, even when it is empty.
func (d StreamDelta) MarshalJSON() ([]byte, error) {
	if d.Type == "text_delta" {
		type textDelta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		return json.Marshal(textDelta{Type: d.Type, Text: d.Text})
	}
	type plain StreamDelta
	return json.Marshal(plain(d))
}

// AnthropicError is the Messages error envelope.
type AnthropicError struct {
	Type  string               `json:"type"`
	Error AnthropicErrorDetail `json:"error"`
}

type AnthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
