package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream opens a streaming chat call. The upstream status is checked before
// returning; the body is then handed to the caller unread. Closing it cancels
// the call's context and releases the connection.
func (c *client) Stream(parentCtx context.Context, call *Call) (io.ReadCloser, error) {
	if call == nil {
		return nil, fmt.Errorf("upstream: call is nil")
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)

	url := c.cfg.BaseURL + c.cfg.Protocol.ChatPath()
	header := c.buildHeaders(call, "text/event-stream")

	doOnce := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newBodyReader(call.Body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build stream request: %w", err)
		}
		httpReq.Header = header.Clone()
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, call.Account, doOnce)
	if err != nil {
		cancel()
		err = classify(parentCtx, ctx, c.cfg.UpstreamTimeout, err)
		c.logger.Warn("upstream stream connect failed",
			zap.String("account", call.Account),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		cancel()
		apiErr := newAPIError(resp.StatusCode, data)
		c.logger.Warn("upstream stream error status",
			zap.String("account", call.Account),
			zap.Int("status", resp.StatusCode),
			zap.String("error_message", apiErr.Message),
		)
		return nil, apiErr
	}

	c.logger.Debug("upstream stream opened",
		zap.String("account", call.Account),
		zap.Int("status", resp.StatusCode),
	)

	return &streamBody{
		body:    resp.Body,
		parent:  parentCtx,
		ctx:     ctx,
		cancel:  cancel,
		timeout: c.cfg.UpstreamTimeout,
	}, nil
}

// streamBody classifies read errors and ties the call context to Close.
type streamBody struct {
	body      io.ReadCloser
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   time.Duration
	closeOnce sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && err != io.EOF {
		err = classify(b.parent, b.ctx, b.timeout, err)
	}
	return n, err
}

func (b *streamBody) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.body.Close()
		b.cancel()
	})
	return err
}
