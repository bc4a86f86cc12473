package translate

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewUserID builds the synthetic metadata.user_id Anthropic backends expect:
// user_<64 hex>_account__session_<uuid>.
func NewUserID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to uuids.
		return "user_" + hexUUID() + hexUUID() + "_account__session_" + uuid.NewString()
	}
	return "user_" + hex.EncodeToString(buf) + "_account__session_" + uuid.NewString()
}

// NewChatCompletionID returns an id of the form chatcmpl-<12 hex>.
func NewChatCompletionID() string {
	return "chatcmpl-" + hexUUID()[:12]
}

// NewMessageID returns an id of the form msg_<24 hex>.
func NewMessageID() string {
	return "msg_" + hexUUID()[:24]
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
