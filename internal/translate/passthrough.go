package translate

import (
	"encoding/json"
	"fmt"

	"protorelay/internal/protocol"
)

// PrepareSameProtocol rewrites a caller body for a backend speaking the same
// protocol. Fields the relay does not understand (tools, cache_control, ...)
// are kept byte for byte; only the stream flag is forced to the backend mode,
// and Anthropic bodies get max_tokens and metadata.user_id when missing.
func PrepareSameProtocol(p protocol.Protocol, body []byte, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, invalid("decode body", err)
	}

	stream, _ := json.Marshal(opts.Stream)
	fields["stream"] = stream

	if p == protocol.Anthropic {
		if _, ok := fields["max_tokens"]; !ok {
			raw, _ := json.Marshal(opts.DefaultMaxTokens)
			fields["max_tokens"] = raw
		}
		if err := ensureUserID(fields, opts.NewUserID); err != nil {
			return nil, err
		}
	}

	return json.Marshal(fields)
}

func ensureUserID(fields map[string]json.RawMessage, gen func() string) error {
	meta := map[string]json.RawMessage{}
	if raw, ok := fields["metadata"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return invalid("metadata", err)
		}
	}
	if raw, ok := meta["user_id"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return nil
		}
	}
	uid, _ := json.Marshal(gen())
	meta["user_id"] = uid
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	fields["metadata"] = raw
	return nil
}
