package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"protorelay/internal/protocol"
)

var (
	errEmptyModel    = errors.New("model must be provided")
	errEmptyMessages = errors.New("at least one message is required")
)

// Decode dispatches to the decoder for p.
func Decode(p protocol.Protocol, body []byte) (*Request, error) {
	if p == protocol.Anthropic {
		return DecodeAnthropic(body)
	}
	return DecodeOpenAI(body)
}

// DecodeOpenAI parses a Chat Completions body. System and developer messages
// move to Request.System in the order they appear.
func DecodeOpenAI(body []byte) (*Request, error) {
	var raw protocol.ChatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("decode chat completions body", err)
	}

	req := &Request{
		Model:       strings.TrimSpace(raw.Model),
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stream:      raw.Stream,
	}
	if req.Model == "" {
		return nil, invalid(errEmptyModel.Error(), nil)
	}
	if len(raw.Messages) == 0 {
		return nil, invalid(errEmptyMessages.Error(), nil)
	}

	stop, err := parseStop(raw.Stop)
	if err != nil {
		return nil, invalid("stop", err)
	}
	req.Stop = stop

	for i, m := range raw.Messages {
		role, err := openAIRole(m.Role)
		if err != nil {
			return nil, invalid(fmt.Sprintf("messages[%d]", i), err)
		}
		blocks, err := flattenOpenAIContent(m.Content)
		if err != nil {
			return nil, invalid(fmt.Sprintf("messages[%d].content", i), err)
		}
		if role == RoleSystem {
			req.System = append(req.System, blocks...)
			continue
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: blocks})
	}

	return req, nil
}

// DecodeAnthropic parses a Messages body.
func DecodeAnthropic(body []byte) (*Request, error) {
	var raw protocol.MessagesRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("decode messages body", err)
	}

	req := &Request{
		Model:       strings.TrimSpace(raw.Model),
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stop:        raw.StopSequences,
		Stream:      raw.Stream,
	}
	if raw.Metadata != nil {
		req.UserID = raw.Metadata.UserID
	}
	if req.Model == "" {
		return nil, invalid(errEmptyModel.Error(), nil)
	}
	if len(raw.Messages) == 0 {
		return nil, invalid(errEmptyMessages.Error(), nil)
	}

	system, err := flattenAnthropicContent(raw.System)
	if err != nil {
		return nil, invalid("system", err)
	}
	req.System = system

	for i, m := range raw.Messages {
		var role Role
		switch strings.ToLower(m.Role) {
		case "user":
			role = RoleUser
		case "assistant":
			role = RoleAssistant
		default:
			return nil, invalid(fmt.Sprintf("messages[%d]", i), fmt.Errorf("invalid role %q", m.Role))
		}
		blocks, err := flattenAnthropicContent(m.Content)
		if err != nil {
			return nil, invalid(fmt.Sprintf("messages[%d].content", i), err)
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: blocks})
	}

	return req, nil
}

func openAIRole(role string) (Role, error) {
	switch strings.ToLower(role) {
	case "system", "developer":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "tool", "function":
		return RoleTool, nil
	default:
		return "", fmt.Errorf("invalid role %q", role)
	}
}

// flattenOpenAIContent accepts a string, null, or an array of parts.
// Parts other than text and image_url are dropped.
func flattenOpenAIContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{TextBlock(s)}, nil
	}

	var parts []protocol.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.New("content must be a string or an array of parts")
	}

	blocks := make([]ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, TextBlock(part.Text))
		case "image_url":
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				continue
			}
			src := ParseImageURL(part.ImageURL.URL)
			blocks = append(blocks, ContentBlock{Kind: BlockImage, Image: &src})
		}
	}
	return blocks, nil
}

// flattenAnthropicContent accepts a string or an array of content blocks.
// Blocks other than text and image are dropped.
func flattenAnthropicContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{TextBlock(s)}, nil
	}

	var in []protocol.ContentBlock
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errors.New("content must be a string or an array of blocks")
	}

	blocks := make([]ContentBlock, 0, len(in))
	for _, b := range in {
		switch b.Type {
		case "text":
			blocks = append(blocks, ContentBlock{
				Kind:      BlockText,
				Text:      b.Text,
				Ephemeral: b.CacheControl != nil && b.CacheControl.Type == "ephemeral",
			})
		case "image":
			if b.Source == nil {
				continue
			}
			src := ImageSource{MediaType: b.Source.MediaType, Data: b.Source.Data, URL: b.Source.URL}
			if !src.Inline() && src.URL == "" {
				continue
			}
			blocks = append(blocks, ContentBlock{Kind: BlockImage, Image: &src})
		}
	}
	return blocks, nil
}

// ParseImageURL splits a data: URL into media type and base64 payload.
// Any other URL is kept as a remote reference.
func ParseImageURL(u string) ImageSource {
	if !strings.HasPrefix(u, "data:") {
		return ImageSource{URL: u}
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !ok {
		return ImageSource{URL: u}
	}
	mediaType, _, _ := strings.Cut(header, ";")
	return ImageSource{MediaType: mediaType, Data: payload}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.New("stop must be a string or an array of strings")
	}
	return list, nil
}
