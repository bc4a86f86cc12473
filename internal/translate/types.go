// Package translate converts chat requests and buffered responses between the
// OpenAI and Anthropic wire formats through a canonical representation.
package translate

import (
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockKind int

const (
	BlockText BlockKind = iota
	BlockImage
)

// ImageSource is either an inline base64 payload (MediaType+Data) or a remote URL.
type ImageSource struct {
	MediaType string
	Data      string
	URL       string
}

// Inline reports whether the image carries its bytes.
func (s ImageSource) Inline() bool {
	return s.Data != ""
}

// DataURL renders an inline image as a data: URL, or returns the remote URL.
func (s ImageSource) DataURL() string {
	if !s.Inline() {
		return s.URL
	}
	return "data:" + s.MediaType + ";base64," + s.Data
}

type ContentBlock struct {
	Kind  BlockKind
	Text  string
	Image *ImageSource
	// Ephemeral marks a block for upstream prompt caching. It is carried
	// opaquely and only rendered on Anthropic bodies.
	Ephemeral bool
}

func TextBlock(s string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: s}
}

type Message struct {
	Role    Role
	Content []ContentBlock
}

// Text concatenates the text blocks of m.
func (m Message) Text() string {
	return joinText(m.Content, "")
}

// Request is the canonical chat request both decoders produce.
type Request struct {
	Model       string
	System      []ContentBlock
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
	UserID      string
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total is always recomputed from the parts.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Finish reasons after normalisation.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Response is the canonical buffered completion.
type Response struct {
	ID    string
	Model string
	Text  string
	// Finish is the normalised reason ("stop" or "length").
	Finish string
	// UpstreamReason is the raw reason the backend reported.
	UpstreamReason string
	Usage          Usage
}

// InvalidRequestError reports a caller body that cannot be translated.
type InvalidRequestError struct {
	Reason string
	Err    error
}

func (e *InvalidRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid request: %s: %v", e.Reason, e.Err)
	}
	return "invalid request: " + e.Reason
}

func (e *InvalidRequestError) Unwrap() error { return e.Err }

// IsInvalidRequest reports whether err is an *InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var target *InvalidRequestError
	return errors.As(err, &target)
}

func invalid(reason string, err error) error {
	return &InvalidRequestError{Reason: reason, Err: err}
}

func joinText(blocks []ContentBlock, sep string) string {
	var sb strings.Builder
	first := true
	for _, b := range blocks {
		if b.Kind != BlockText {
			continue
		}
		if !first {
			sb.WriteString(sep)
		}
		sb.WriteString(b.Text)
		first = false
	}
	return sb.String()
}
