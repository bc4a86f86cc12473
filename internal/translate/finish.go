package translate

import "protorelay/internal/protocol"

// NormalizeFinish collapses an upstream stop reason to "stop" for a natural
// completion and "length" for everything else. The mapping is lossy; callers
// keep the raw value alongside.
func NormalizeFinish(upstream protocol.Protocol, reason string) string {
	switch upstream {
	case protocol.Anthropic:
		if reason == "end_turn" {
			return FinishStop
		}
	default:
		if reason == "stop" {
			return FinishStop
		}
	}
	return FinishLength
}

// AnthropicStopReason maps a canonical response to a Messages stop_reason:
// natural completion becomes end_turn, truncation becomes max_tokens and any
// other raw reason (content_filter, ...) is passed through.
func AnthropicStopReason(resp *Response) string {
	switch {
	case resp.Finish == FinishStop:
		return "end_turn"
	case resp.UpstreamReason == "" || resp.UpstreamReason == "length":
		return "max_tokens"
	default:
		return resp.UpstreamReason
	}
}
