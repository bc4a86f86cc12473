package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"protorelay/internal/llm"
	"protorelay/internal/protocol"
	"protorelay/internal/translate"
)

// frame is one parsed SSE frame from the recorded output.
type frame struct {
	event string
	data  string
}

func parseFrames(t *testing.T, out string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(out, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f frame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func anthropicUpstream(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(ev), &head)
		b.WriteString("event: " + head.Type + "\n")
		b.WriteString("data: " + ev + "\n\n")
	}
	return b.String()
}

const (
	anthMessageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":3,"output_tokens":0}}}`
	anthBlockStart   = `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	anthPing         = `{"type":"ping"}`
	anthBlockStop    = `{"type":"content_block_stop","index":0}`
	anthMessageDelta = `{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":7}}`
	anthMessageStop  = `{"type":"message_stop"}`
)

func anthDelta(text string) string {
	b, _ := json.Marshal(text)
	return `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":` + string(b) + `}}`
}

func TestRunAnthropicToOpenAI(t *testing.T) {
	body := anthropicUpstream(anthMessageStart, anthBlockStart, anthPing,
		anthDelta("Hel"), anthDelta("lo"), anthBlockStop, anthMessageDelta, anthMessageStop)

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "gpt-4o", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, 2, out.Deltas)
	assert.Equal(t, "max_tokens", out.UpstreamReason)
	assert.False(t, out.Failed())

	frames := parseFrames(t, rr.Body.String())
	require.Len(t, frames, 4)

	var ids []string
	var texts []string
	for _, f := range frames[:2] {
		var chunk protocol.ChatChunk
		require.NoError(t, json.Unmarshal([]byte(f.data), &chunk))
		require.Len(t, chunk.Choices, 1)
		assert.Nil(t, chunk.Choices[0].FinishReason)
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		assert.Equal(t, "gpt-4o", chunk.Model)
		ids = append(ids, chunk.ID)
		texts = append(texts, chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"Hel", "lo"}, texts)

	var finish protocol.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(frames[2].data), &finish))
	require.NotNil(t, finish.Choices[0].FinishReason)
	assert.Equal(t, "stop", *finish.Choices[0].FinishReason)
	assert.Empty(t, finish.Choices[0].Delta.Content)
	assert.Equal(t, ids[0], finish.ID)
	assert.Equal(t, ids[0], ids[1])
	assert.True(t, strings.HasPrefix(ids[0], "chatcmpl-"))

	assert.Equal(t, "[DONE]", frames[3].data)
	assert.True(t, rr.Flushed)
}

func TestRunOpenAIToAnthropic(t *testing.T) {
	body := strings.Join([]string{
		`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`,
		`data: [DONE]`,
	}, "\n\n") + "\n\n"

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.Anthropic, protocol.OpenAI, "claude-x", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, "stop", out.UpstreamReason)

	frames := parseFrames(t, rr.Body.String())
	var events []string
	for _, f := range frames {
		events = append(events, f.event)
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, events)

	var start protocol.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &start))
	require.NotNil(t, start.Message)
	assert.True(t, strings.HasPrefix(start.Message.ID, "msg_"))
	assert.Equal(t, "claude-x", start.Message.Model)

	var delta protocol.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[2].data), &delta))
	assert.Equal(t, "Hi", delta.Delta.Text)

	var msgDelta protocol.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[4].data), &msgDelta))
	require.NotNil(t, msgDelta.Delta.StopReason)
	assert.Equal(t, "end_turn", *msgDelta.Delta.StopReason)
	assert.Equal(t, 1, msgDelta.Usage.OutputTokens)
}

func TestRunSkipsMalformedFrames(t *testing.T) {
	body := "data: {not json\n\n" +
		"data: \n\n" +
		": keep-alive\n\n" +
		anthropicUpstream(anthDelta("ok"), anthMessageStop)

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, 1, out.Deltas)
	frames := parseFrames(t, rr.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "[DONE]", frames[2].data)
}

func TestRunUpstreamErrorEvent(t *testing.T) {
	body := anthropicUpstream(anthDelta("partial"),
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		anthDelta("never"))

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateErrorTerminal, out.State)
	assert.True(t, out.Failed())
	var streamErr *UpstreamStreamError
	require.True(t, errors.As(out.Err, &streamErr))

	frames := parseFrames(t, rr.Body.String())
	require.Len(t, frames, 2)
	var envelope protocol.OpenAIError
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &envelope))
	assert.Equal(t, "overloaded_error", envelope.Error.Type)
	assert.Equal(t, "Overloaded", envelope.Error.Message)
	assert.NotContains(t, rr.Body.String(), "[DONE]")
	assert.NotContains(t, rr.Body.String(), "never")
}

// failingReader yields data and then a read error.
type failingReader struct {
	data string
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func TestRunTimeoutMidStream(t *testing.T) {
	body := &failingReader{
		data: anthropicUpstream(anthDelta("slow")),
		err:  &llm.TimeoutError{Timeout: time.Second, Err: context.DeadlineExceeded},
	}

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.Anthropic, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), body)

	assert.Equal(t, StateErrorTerminal, out.State)
	assert.True(t, out.Failed())

	frames := parseFrames(t, rr.Body.String())
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.event)
	var ev protocol.AnthropicError
	require.NoError(t, json.Unmarshal([]byte(last.data), &ev))
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, protocol.ErrTimeout, ev.Error.Type)
}

func TestRunEOFWithoutStopFinishes(t *testing.T) {
	body := anthropicUpstream(anthDelta("cut"))

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.True(t, strings.HasSuffix(rr.Body.String(), "data: [DONE]\n\n"))
}

func TestRunCallerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(ctx, strings.NewReader(anthropicUpstream(anthDelta("x"), anthMessageStop)))

	assert.True(t, out.Canceled)
	assert.False(t, out.Failed())
	assert.Empty(t, rr.Body.String())
}

func TestRunCanceledRead(t *testing.T) {
	body := &failingReader{data: anthropicUpstream(anthDelta("a")), err: context.Canceled}

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), body)

	assert.True(t, out.Canceled)
	assert.False(t, out.Failed())
	assert.NotContains(t, rr.Body.String(), "[DONE]")
	assert.NotContains(t, rr.Body.String(), "error")
}

func TestSynthesizeEmitsSingleChunk(t *testing.T) {
	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "gpt", zaptest.NewLogger(t))
	out := tr.Synthesize(&translate.Response{Text: "whole answer", UpstreamReason: "end_turn"})

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, "end_turn", out.UpstreamReason)

	frames := parseFrames(t, rr.Body.String())
	require.Len(t, frames, 3)
	var chunk protocol.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &chunk))
	assert.Equal(t, "whole answer", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "[DONE]", frames[2].data)
}

func TestSynthesizeEmptyTextStillEmitsContentChunk(t *testing.T) {
	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.Anthropic, protocol.OpenAI, "claude", zaptest.NewLogger(t))
	out := tr.Synthesize(&translate.Response{Text: ""})

	assert.Equal(t, 1, out.Deltas)
	frames := parseFrames(t, rr.Body.String())
	var events []string
	for _, f := range frames {
		events = append(events, f.event)
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, events)
	assert.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`, frames[2].data)
}

func TestNothingWrittenAfterTerminal(t *testing.T) {
	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.OpenAI, "m", zaptest.NewLogger(t))
	tr.Synthesize(&translate.Response{Text: "done"})
	written := rr.Body.Len()

	out := tr.Fail(errors.New("late"))
	assert.Equal(t, StateTerminal, out.State)
	tr.Run(context.Background(), strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))
	assert.Equal(t, written, rr.Body.Len())
}

func TestFailWritesSingleErrorFrame(t *testing.T) {
	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Fail(&llm.APIError{StatusCode: 429, Message: "slow down"})

	assert.Equal(t, StateErrorTerminal, out.State)
	frames := parseFrames(t, rr.Body.String())
	require.Len(t, frames, 1)
	var envelope protocol.OpenAIError
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &envelope))
	assert.Equal(t, protocol.ErrRateLimit, envelope.Error.Type)
	assert.Equal(t, "slow down", envelope.Error.Message)
}

func TestPipeCopiesFramesVerbatim(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n\n"

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.OpenAI, "m", zaptest.NewLogger(t))
	out := tr.Pipe(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, 2, out.Deltas)
	idx := strings.Index(body, "data: {\"choices\":[{\"delta\":{\"content\":\"after\"")
	assert.Equal(t, body[:idx], rr.Body.String())
}

func TestPipeDetectsAnthropicError(t *testing.T) {
	body := anthropicUpstream(anthDelta("x"), `{"type":"error","error":{"type":"api_error","message":"boom"}}`)

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.Anthropic, protocol.Anthropic, "m", zaptest.NewLogger(t))
	out := tr.Pipe(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateErrorTerminal, out.State)
	assert.True(t, out.Failed())
	assert.Equal(t, body, rr.Body.String())
}

func TestPipeEOFIsTerminal(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n"

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.OpenAI, "m", zaptest.NewLogger(t))
	out := tr.Pipe(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateTerminal, out.State)
	assert.Equal(t, body, rr.Body.String())
}

func TestReaderReturnsTrailingPartialLine(t *testing.T) {
	r := NewReader(strings.NewReader("event: x\ndata: {\"a\":1}\n\ndata: tail"))

	payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(payload))

	payload, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(payload))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderDataWithoutSpace(t *testing.T) {
	r := NewReader(strings.NewReader("data:[DONE]\r\n\r\n"))
	payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", string(payload))
}

func TestReaderLineSpanningBufferFills(t *testing.T) {
	long := strings.Repeat("x", 150*1024)
	r := NewReader(strings.NewReader("data: " + long + "\n\n"))
	payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, long, string(payload))
}

func TestReaderRejectsOverlongLine(t *testing.T) {
	r := newReaderLimit(strings.NewReader("data: short\n"+strings.Repeat("y", 100)+"\ndata: after\n"), 32)

	payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "short", string(payload))

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestRunOverlongLineIsStreamError(t *testing.T) {
	body := anthropicUpstream(anthDelta("a")) + "data: " + strings.Repeat("z", MaxLineBytes) + "\n\n"

	rr := httptest.NewRecorder()
	tr := NewTranslator(rr, protocol.OpenAI, protocol.Anthropic, "gpt", zaptest.NewLogger(t))
	out := tr.Run(context.Background(), strings.NewReader(body))

	assert.Equal(t, StateErrorTerminal, out.State)
	assert.ErrorIs(t, out.Err, ErrLineTooLong)
	assert.Equal(t, 1, out.Deltas)

	frames := parseFrames(t, rr.Body.String())
	require.NotEmpty(t, frames)
	var env protocol.OpenAIError
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &env))
	assert.Equal(t, protocol.ErrStream, env.Error.Type)
}
