package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protorelay/internal/protocol"
)

func TestParseAnthropicResponseConcatenatesText(t *testing.T) {
	t.Parallel()

	resp, err := ParseAnthropicResponse([]byte(`{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude",
		"content": [
			{"type": "text", "text": "hel"},
			{"type": "tool_use", "id": "t", "name": "x", "input": {}},
			{"type": "text", "text": "lo"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 7, "output_tokens": 3}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, FinishStop, resp.Finish)
	assert.Equal(t, "end_turn", resp.UpstreamReason)
	assert.Equal(t, 10, resp.Usage.Total())
}

func TestFinishReasonMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FinishStop, NormalizeFinish(protocol.Anthropic, "end_turn"))
	assert.Equal(t, FinishLength, NormalizeFinish(protocol.Anthropic, "max_tokens"))
	assert.Equal(t, FinishLength, NormalizeFinish(protocol.Anthropic, "refusal"))
	assert.Equal(t, FinishStop, NormalizeFinish(protocol.OpenAI, "stop"))
	assert.Equal(t, FinishLength, NormalizeFinish(protocol.OpenAI, "content_filter"))

	assert.Equal(t, "end_turn", AnthropicStopReason(&Response{Finish: FinishStop, UpstreamReason: "stop"}))
	assert.Equal(t, "max_tokens", AnthropicStopReason(&Response{Finish: FinishLength, UpstreamReason: "length"}))
	assert.Equal(t, "content_filter", AnthropicStopReason(&Response{Finish: FinishLength, UpstreamReason: "content_filter"}))
}

func TestEncodeOpenAIResponse(t *testing.T) {
	t.Parallel()

	resp, err := ParseAnthropicResponse([]byte(`{"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":5}}`))
	require.NoError(t, err)

	out, err := EncodeOpenAIResponse(resp, "m")
	require.NoError(t, err)

	var got protocol.ChatResponse
	require.NoError(t, json.Unmarshal(out, &got))

	assert.True(t, strings.HasPrefix(got.ID, "chatcmpl-"))
	assert.Len(t, got.ID, len("chatcmpl-")+12)
	assert.Equal(t, "chat.completion", got.Object)
	assert.Equal(t, "m", got.Model)
	assert.NotZero(t, got.Created)
	require.Len(t, got.Choices, 1)
	assert.Equal(t, "stop", got.Choices[0].FinishReason)
	assert.Equal(t, "hello", *got.Choices[0].Message.Content)
	assert.Equal(t, 7, got.Usage.TotalTokens)
}

func TestOpenAIUsageTotalIsRecomputed(t *testing.T) {
	t.Parallel()

	resp, err := ParseOpenAIResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":"x"},"finish_reason":"length"}],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":999}}`))
	require.NoError(t, err)

	out, err := EncodeAnthropicResponse(resp, "claude")
	require.NoError(t, err)

	var got protocol.MessagesResponse
	require.NoError(t, json.Unmarshal(out, &got))
	assert.True(t, strings.HasPrefix(got.ID, "msg_"))
	assert.Equal(t, "max_tokens", *got.StopReason)
	assert.Equal(t, 4, got.Usage.InputTokens)
	assert.Equal(t, 6, got.Usage.OutputTokens)

	oai, err := EncodeOpenAIResponse(resp, "m")
	require.NoError(t, err)
	var chat protocol.ChatResponse
	require.NoError(t, json.Unmarshal(oai, &chat))
	assert.Equal(t, 10, chat.Usage.TotalTokens)
}

func TestParseOpenAIResponseNoChoices(t *testing.T) {
	t.Parallel()

	_, err := ParseOpenAIResponse([]byte(`{"choices":[]}`))
	assert.Error(t, err)
}

func TestResponseTextRoundTrip(t *testing.T) {
	t.Parallel()

	src := &Response{Text: "plain text survives", Finish: FinishStop, UpstreamReason: "end_turn"}

	oai, err := EncodeOpenAIResponse(src, "m")
	require.NoError(t, err)
	parsed, err := ParseOpenAIResponse(oai)
	require.NoError(t, err)

	anth, err := EncodeAnthropicResponse(parsed, "m")
	require.NoError(t, err)
	back, err := ParseAnthropicResponse(anth)
	require.NoError(t, err)

	assert.Equal(t, src.Text, back.Text)
	assert.Equal(t, FinishStop, back.Finish)
}
