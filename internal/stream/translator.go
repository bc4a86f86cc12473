package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"protorelay/internal/llm"
	"protorelay/internal/metrics"
	"protorelay/internal/protocol"
	"protorelay/internal/translate"
)

// State of a translated stream. Terminal states are final.
type State int

const (
	StateStart State = iota
	StateStreaming
	StateTerminal
	StateErrorTerminal
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateStreaming:
		return "streaming"
	case StateTerminal:
		return "terminal"
	default:
		return "error_terminal"
	}
}

// Outcome summarises a finished stream for health feedback and logs.
type Outcome struct {
	State  State
	Deltas int
	// UpstreamReason is the raw finish reason reported upstream, if any.
	UpstreamReason string
	// Err is what drove the stream into StateErrorTerminal.
	Err error
	// Canceled is set when the caller went away; nothing more was written.
	Canceled bool
}

// Failed reports whether the upstream should be charged with a failure.
func (o Outcome) Failed() bool {
	return o.State == StateErrorTerminal && !o.Canceled
}

// UpstreamStreamError is an error event sent by the upstream mid-stream.
type UpstreamStreamError struct {
	Type    string
	Message string
}

func (e *UpstreamStreamError) Error() string {
	return "upstream stream error: " + e.Message
}

// Translator drives one caller-facing SSE response.
type Translator struct {
	w       io.Writer
	flusher http.Flusher
	emitter Emitter
	decoder Decoder
	state   State
	deltas  int
	logger  *zap.Logger
}

// NewTranslator writes caller-protocol frames to w for frames read from an
// upstream speaking upstream. model is echoed in every frame.
func NewTranslator(w io.Writer, caller, upstream protocol.Protocol, model string, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Translator{
		w:       w,
		emitter: NewEmitter(caller, model),
		decoder: NewDecoder(upstream),
		logger:  logger,
	}
	if f, ok := w.(http.Flusher); ok {
		t.flusher = f
	}
	return t
}

// State is the current state.
func (t *Translator) State() State {
	return t.state
}

// Run consumes an upstream SSE body until a terminal event, an error, EOF or
// caller cancellation. EOF while streaming is treated as a natural end.
func (t *Translator) Run(ctx context.Context, body io.Reader) Outcome {
	if t.terminal() {
		return t.outcome(nil, false)
	}
	if err := t.begin(); err != nil {
		return t.abandon(err)
	}

	reader := NewReader(body)
	for {
		if ctx.Err() != nil {
			return t.abandon(ctx.Err())
		}

		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			t.logger.Debug("upstream stream ended without terminal event", zap.Int("deltas", t.deltas))
			return t.finish()
		}
		if err != nil {
			if llm.IsCanceled(err) || ctx.Err() != nil {
				return t.abandon(err)
			}
			kind, message := describe(err)
			return t.fail(kind, message, err)
		}

		ev, err := t.decoder.Decode(payload)
		if err != nil {
			metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
			t.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}

		switch ev.Kind {
		case EventDelta:
			if err := t.emit(func() error { return t.emitter.Delta(t.w, ev.Text) }); err != nil {
				return t.abandon(err)
			}
			t.deltas++
			metrics.StreamEventsTotal.WithLabelValues("delta").Inc()
		case EventStop:
			return t.finish()
		case EventError:
			return t.fail(ev.ErrType, ev.Message, &UpstreamStreamError{Type: ev.ErrType, Message: ev.Message})
		}
	}
}

// Synthesize streams a buffered response: one content chunk, the finish
// chunk and the termination marker.
func (t *Translator) Synthesize(resp *translate.Response) Outcome {
	if t.terminal() {
		return t.outcome(nil, false)
	}
	if err := t.begin(); err != nil {
		return t.abandon(err)
	}
	if err := t.emit(func() error { return t.emitter.Delta(t.w, resp.Text) }); err != nil {
		return t.abandon(err)
	}
	t.deltas++
	metrics.StreamEventsTotal.WithLabelValues("delta").Inc()

	out := t.finishWith(resp.Usage.OutputTokens)
	out.UpstreamReason = resp.UpstreamReason
	return out
}

// Fail moves straight to the error terminal state with one error frame.
func (t *Translator) Fail(err error) Outcome {
	if t.terminal() {
		return t.outcome(nil, false)
	}
	kind, message := describe(err)
	return t.fail(kind, message, err)
}

// Pipe forwards an upstream body of the caller's own protocol line by line.
// Frames are still decoded to find the terminal event and upstream errors.
func (t *Translator) Pipe(ctx context.Context, body io.Reader) Outcome {
	if t.terminal() {
		return t.outcome(nil, false)
	}
	t.state = StateStreaming

	reader := NewReader(body)
	for {
		if ctx.Err() != nil {
			return t.abandon(ctx.Err())
		}

		line, err := reader.NextLine()
		if errors.Is(err, io.EOF) {
			t.state = StateTerminal
			t.flush()
			return t.outcome(nil, false)
		}
		if err != nil {
			if llm.IsCanceled(err) || ctx.Err() != nil {
				return t.abandon(err)
			}
			kind, message := describe(err)
			return t.fail(kind, message, err)
		}

		if _, err := t.w.Write(line); err != nil {
			return t.abandon(err)
		}

		payload, ok := dataPayload(line)
		if !ok {
			if len(bytes.TrimSpace(line)) == 0 {
				t.flush()
			}
			continue
		}
		ev, derr := t.decoder.Decode(payload)
		if derr != nil {
			continue
		}
		switch ev.Kind {
		case EventDelta:
			t.deltas++
			metrics.StreamEventsTotal.WithLabelValues("delta").Inc()
		case EventStop:
			_, _ = io.WriteString(t.w, "\n")
			t.flush()
			t.state = StateTerminal
			metrics.StreamEventsTotal.WithLabelValues("stop").Inc()
			return t.outcome(nil, false)
		case EventError:
			_, _ = io.WriteString(t.w, "\n")
			t.flush()
			t.state = StateErrorTerminal
			metrics.StreamEventsTotal.WithLabelValues("error").Inc()
			return t.outcome(&UpstreamStreamError{Type: ev.ErrType, Message: ev.Message}, false)
		}
	}
}

func (t *Translator) terminal() bool {
	return t.state == StateTerminal || t.state == StateErrorTerminal
}

func (t *Translator) begin() error {
	if t.state != StateStart {
		return nil
	}
	t.state = StateStreaming
	return t.emit(func() error { return t.emitter.Begin(t.w) })
}

func (t *Translator) finish() Outcome {
	return t.finishWith(t.decoder.OutputTokens())
}

func (t *Translator) finishWith(outputTokens int) Outcome {
	if err := t.emit(func() error { return t.emitter.Finish(t.w, outputTokens) }); err != nil {
		return t.abandon(err)
	}
	t.state = StateTerminal
	metrics.StreamEventsTotal.WithLabelValues("stop").Inc()
	return t.outcome(nil, false)
}

func (t *Translator) fail(kind, message string, cause error) Outcome {
	if kind == "" {
		kind = protocol.ErrStream
	}
	if err := t.emit(func() error { return t.emitter.Error(t.w, kind, message) }); err != nil {
		return t.abandon(err)
	}
	t.state = StateErrorTerminal
	metrics.StreamEventsTotal.WithLabelValues("error").Inc()
	t.logger.Warn("stream ended with error",
		zap.String("error_type", kind),
		zap.String("error_message", message),
		zap.Int("deltas", t.deltas),
	)
	return t.outcome(cause, false)
}

// abandon ends the stream without writing: the caller is gone or the
// connection to it broke.
func (t *Translator) abandon(cause error) Outcome {
	t.state = StateTerminal
	metrics.StreamEventsTotal.WithLabelValues("canceled").Inc()
	t.logger.Info("stream abandoned by caller", zap.Int("deltas", t.deltas), zap.Error(cause))
	return t.outcome(cause, true)
}

func (t *Translator) emit(write func() error) error {
	if err := write(); err != nil {
		return err
	}
	t.flush()
	return nil
}

func (t *Translator) flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

func (t *Translator) outcome(err error, canceled bool) Outcome {
	return Outcome{
		State:          t.state,
		Deltas:         t.deltas,
		UpstreamReason: t.decoder.StopReason(),
		Err:            err,
		Canceled:       canceled,
	}
}

// describe maps a failure to the error kind and message shown to callers.
func describe(err error) (string, string) {
	var apiErr *llm.APIError
	var timeoutErr *llm.TimeoutError
	var transportErr *llm.TransportError
	var streamErr *UpstreamStreamError
	switch {
	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return protocol.KindForStatus(apiErr.StatusCode), msg
	case errors.As(err, &timeoutErr):
		return protocol.ErrTimeout, "Request timeout"
	case errors.As(err, &transportErr):
		return protocol.ErrTransport, "HTTP error: upstream connection failed"
	case errors.As(err, &streamErr):
		return streamErr.Type, streamErr.Message
	default:
		return protocol.ErrStream, "stream error"
	}
}
