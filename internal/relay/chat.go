package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/account"
	"protorelay/internal/llm"
	"protorelay/internal/metrics"
	"protorelay/internal/protocol"
	"protorelay/internal/stream"
	"protorelay/internal/translate"
	"protorelay/pkg/logging"
)

const (
	modeBuffered    = "buffered"
	modeStream      = "stream"
	modeSynthesized = "synthesized"
)

// exchange carries the per-request state through the chat flow.
type exchange struct {
	caller    protocol.Protocol
	same      bool
	model     string
	streaming bool // caller asked for a stream
	backend   bool // backend call streams
	lease     *lease
	call      *llm.Call
	logger    *zap.Logger
}

func (x *exchange) mode() string {
	switch {
	case x.backend:
		return modeStream
	case x.streaming:
		return modeSynthesized
	default:
		return modeBuffered
	}
}

// Chat serves one chat request whose body is in caller's protocol. It writes
// the whole response to w, including error responses.
func (r *Relay) Chat(w http.ResponseWriter, req *http.Request, caller protocol.Protocol, body []byte) {
	ctx := req.Context()
	logger := logging.L(ctx).With(
		zap.String("caller_protocol", caller.String()),
		zap.String("upstream_protocol", r.upstream.String()),
	)

	creq, err := translate.Decode(caller, body)
	if err != nil {
		logger.Info("rejecting invalid request", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
		return
	}

	x := &exchange{
		caller:    caller,
		same:      caller == r.upstream,
		model:     creq.Model,
		streaming: creq.Stream,
		backend:   creq.Stream && !r.opts.ForceBuffered,
	}

	outbound, err := r.outboundBody(x, creq, body)
	if err != nil {
		logger.Info("rejecting request that cannot be translated", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
		return
	}

	l, err := r.acquire(req.Header)
	if err != nil {
		r.writeAcquireError(w, caller, logger, err)
		return
	}
	x.lease = l
	x.logger = logger.With(
		zap.String("account", l.account.Name),
		zap.String("model", x.model),
		zap.String("mode", x.mode()),
	)
	x.call = &llm.Call{
		Account:    l.account.Name,
		Credential: l.account.Credential,
		Body:       outbound,
	}
	if r.opts.ForwardClientHeaders {
		x.call.Forward = req.Header.Clone()
	}

	start := time.Now()
	var outcome string
	if x.streaming {
		outcome = r.serveStream(ctx, w, x)
	} else {
		outcome = r.serveBuffered(ctx, w, x)
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(caller.String(), r.upstream.String(), x.mode(), outcome).Inc()
	metrics.UpstreamLatencySeconds.WithLabelValues(r.upstream.String(), x.mode()).Observe(time.Since(start).Seconds())
	r.feedback(ctx, l, isFailure(outcome))
}

// outboundBody renders the upstream request. Same-protocol bodies are
// forwarded with minimal edits so fields the relay does not model survive.
func (r *Relay) outboundBody(x *exchange, creq *translate.Request, raw []byte) ([]byte, error) {
	opts := translate.Options{
		Stream:           x.backend,
		DefaultMaxTokens: r.opts.DefaultMaxTokens,
	}
	if x.same {
		return translate.PrepareSameProtocol(r.upstream, raw, opts)
	}
	opts.DefaultSystemPrompt = r.opts.DefaultSystemPrompt
	return translate.Encode(r.upstream, creq, opts)
}

func (r *Relay) writeAcquireError(w http.ResponseWriter, caller protocol.Protocol, logger *zap.Logger, err error) {
	switch {
	case IsAuthError(err):
		logger.Info("rejecting unauthenticated request", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusUnauthorized, protocol.ErrAuthentication, err.Error())
	case errors.Is(err, account.ErrNoAccount):
		logger.Error("no account available", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusServiceUnavailable, protocol.ErrUnavailable, "no upstream account available")
	default:
		logger.Error("account selection failed", zap.Error(err))
		protocol.WriteError(w, caller, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

// serveBuffered handles callers that asked for a single JSON response.
func (r *Relay) serveBuffered(ctx context.Context, w http.ResponseWriter, x *exchange) string {
	res, err := r.client.Complete(ctx, x.call)
	if err != nil {
		return r.writeUpstreamError(w, x, err)
	}

	if x.same {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
		return outcomeSuccess
	}

	resp, err := translate.ParseResponse(r.upstream, res.Body)
	if err != nil {
		x.logger.Warn("upstream response not understood", zap.Error(err))
		protocol.WriteError(w, x.caller, http.StatusBadGateway, protocol.ErrAPI, "invalid upstream response")
		return outcomeInvalid
	}
	out, err := translate.EncodeResponse(x.caller, resp, x.model)
	if err != nil {
		x.logger.Error("encode response failed", zap.Error(err))
		protocol.WriteError(w, x.caller, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
		return outcomeInternal
	}

	x.logger.Info("chat completed",
		zap.String("finish_reason", resp.Finish),
		zap.String("upstream_finish_reason", resp.UpstreamReason),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	return outcomeSuccess
}

// serveStream handles callers that asked for SSE. Headers are committed
// before the upstream is contacted, so every later failure is an error frame.
func (r *Relay) serveStream(ctx context.Context, w http.ResponseWriter, x *exchange) string {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	tr := stream.NewTranslator(w, x.caller, r.upstream, x.model, x.logger)

	var out stream.Outcome
	if x.backend {
		out = r.relayStream(ctx, tr, x)
	} else {
		out = r.synthesizeStream(ctx, tr, x)
	}

	x.logger.Info("stream closed",
		zap.Stringer("state", out.State),
		zap.Int("deltas", out.Deltas),
		zap.String("upstream_finish_reason", out.UpstreamReason),
		zap.Bool("canceled", out.Canceled),
	)
	return streamOutcome(out)
}

func (r *Relay) relayStream(ctx context.Context, tr *stream.Translator, x *exchange) stream.Outcome {
	body, err := r.client.Stream(ctx, x.call)
	if err != nil {
		if llm.IsCanceled(err) {
			return stream.Outcome{State: stream.StateTerminal, Err: err, Canceled: true}
		}
		return tr.Fail(err)
	}
	defer body.Close()

	if x.same {
		return tr.Pipe(ctx, body)
	}
	return tr.Run(ctx, body)
}

func (r *Relay) synthesizeStream(ctx context.Context, tr *stream.Translator, x *exchange) stream.Outcome {
	res, err := r.client.Complete(ctx, x.call)
	if err != nil {
		if llm.IsCanceled(err) {
			return stream.Outcome{State: stream.StateTerminal, Err: err, Canceled: true}
		}
		return tr.Fail(err)
	}
	resp, err := translate.ParseResponse(r.upstream, res.Body)
	if err != nil {
		x.logger.Warn("upstream response not understood", zap.Error(err))
		return tr.Fail(&llm.APIError{StatusCode: http.StatusBadGateway, Message: "invalid upstream response"})
	}
	return tr.Synthesize(resp)
}
