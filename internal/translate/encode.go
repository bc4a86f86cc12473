package translate

import (
	"encoding/json"
	"fmt"

	"protorelay/internal/protocol"
)

const DefaultMaxTokens = 8192

// Options control the outbound request body.
type Options struct {
	// Stream is the backend mode, which may differ from what the caller asked.
	Stream bool
	// DefaultSystemPrompt is prepended as the first Anthropic system block.
	DefaultSystemPrompt string
	// DefaultMaxTokens fills max_tokens when the caller sent none (Anthropic only).
	DefaultMaxTokens int
	// NewUserID generates metadata.user_id when the caller sent none.
	NewUserID func() string
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = DefaultMaxTokens
	}
	if o.NewUserID == nil {
		o.NewUserID = NewUserID
	}
	return o
}

// Encode renders req for destination p.
func Encode(p protocol.Protocol, req *Request, opts Options) ([]byte, error) {
	if p == protocol.Anthropic {
		return EncodeAnthropic(req, opts)
	}
	return EncodeOpenAI(req, opts)
}

// EncodeAnthropic renders req as a Messages body.
func EncodeAnthropic(req *Request, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	out := protocol.MessagesRequest{
		Model:         req.Model,
		Messages:      make([]protocol.Message, 0, len(req.Messages)),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        opts.Stream,
	}

	maxTokens := opts.DefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	out.MaxTokens = &maxTokens

	system := make([]ContentBlock, 0, len(req.System)+1)
	if opts.DefaultSystemPrompt != "" {
		system = append(system, ContentBlock{Kind: BlockText, Text: opts.DefaultSystemPrompt, Ephemeral: true})
	}
	system = append(system, req.System...)
	if len(system) > 0 {
		raw, err := json.Marshal(anthropicBlocks(system))
		if err != nil {
			return nil, fmt.Errorf("marshal system: %w", err)
		}
		out.System = raw
	}

	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			role = string(RoleUser)
		}
		blocks := anthropicBlocks(m.Content)
		if len(blocks) == 0 {
			blocks = []protocol.ContentBlock{{Type: "text", Text: ""}}
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, fmt.Errorf("marshal message content: %w", err)
		}
		out.Messages = append(out.Messages, protocol.Message{Role: role, Content: raw})
	}

	userID := req.UserID
	if userID == "" {
		userID = opts.NewUserID()
	}
	out.Metadata = &protocol.Metadata{UserID: userID}

	return json.Marshal(out)
}

func anthropicBlocks(in []ContentBlock) []protocol.ContentBlock {
	out := make([]protocol.ContentBlock, 0, len(in))
	for _, b := range in {
		var block protocol.ContentBlock
		switch b.Kind {
		case BlockText:
			block = protocol.ContentBlock{Type: "text", Text: b.Text}
		case BlockImage:
			if b.Image == nil {
				continue
			}
			if b.Image.Inline() {
				block = protocol.ContentBlock{Type: "image", Source: &protocol.ImageSource{
					Type:      "base64",
					MediaType: b.Image.MediaType,
					Data:      b.Image.Data,
				}}
			} else {
				block = protocol.ContentBlock{Type: "image", Source: &protocol.ImageSource{
					Type: "url",
					URL:  b.Image.URL,
				}}
			}
		default:
			continue
		}
		if b.Ephemeral {
			block.CacheControl = &protocol.CacheControl{Type: "ephemeral"}
		}
		out = append(out, block)
	}
	return out
}

// EncodeOpenAI renders req as a Chat Completions body. The system blocks are
// joined with newlines into one leading system message.
func EncodeOpenAI(req *Request, opts Options) ([]byte, error) {
	out := protocol.ChatRequest{
		Model:       req.Model,
		Messages:    make([]protocol.ChatMessage, 0, len(req.Messages)+1),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      opts.Stream,
	}

	if len(req.Stop) > 0 {
		raw, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, fmt.Errorf("marshal stop: %w", err)
		}
		out.Stop = raw
	}

	if len(req.System) > 0 {
		raw, err := json.Marshal(joinText(req.System, "\n"))
		if err != nil {
			return nil, fmt.Errorf("marshal system: %w", err)
		}
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: string(RoleSystem), Content: raw})
	}

	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			role = string(RoleUser)
		}
		raw, err := openAIContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal message content: %w", err)
		}
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: role, Content: raw})
	}

	return json.Marshal(out)
}

// openAIContent uses the plain string form when every block is text and the
// parts array otherwise.
func openAIContent(blocks []ContentBlock) (json.RawMessage, error) {
	textOnly := true
	for _, b := range blocks {
		if b.Kind != BlockText {
			textOnly = false
			break
		}
	}
	if textOnly {
		return json.Marshal(joinText(blocks, ""))
	}

	parts := make([]protocol.ContentPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case BlockText:
			parts = append(parts, protocol.ContentPart{Type: "text", Text: b.Text})
		case BlockImage:
			if b.Image == nil {
				continue
			}
			parts = append(parts, protocol.ContentPart{
				Type:     "image_url",
				ImageURL: &protocol.ImageURL{URL: b.Image.DataURL()},
			})
		}
	}
	return json.Marshal(parts)
}
