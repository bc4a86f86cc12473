package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxResponseSize bounds a buffered upstream body.
const maxResponseSize = 32 * 1024 * 1024

// Complete performs a buffered chat call.
func (c *client) Complete(parentCtx context.Context, call *Call) (*Result, error) {
	if call == nil {
		return nil, fmt.Errorf("upstream: call is nil")
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Protocol.ChatPath()
	header := c.buildHeaders(call, "application/json")

	res, err := c.fetch(ctx, call.Account, http.MethodPost, url, header, call.Body)
	if err != nil {
		err = classify(parentCtx, ctx, c.cfg.UpstreamTimeout, err)
		c.logger.Warn("upstream request failed",
			zap.String("account", call.Account),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("upstream request completed",
		zap.String("account", call.Account),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// ListModels forwards GET /v1/models with call's credential.
func (c *client) ListModels(parentCtx context.Context, call *Call) (*Result, error) {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Protocol.ModelsPath()
	res, err := c.fetch(ctx, call.Account, http.MethodGet, url, c.buildHeaders(call, "application/json"), nil)
	if err != nil {
		return nil, classify(parentCtx, ctx, c.cfg.UpstreamTimeout, err)
	}
	return res, nil
}

// fetch runs one request through the retry policy and reads the whole body.
// Non-2xx statuses come back as *APIError.
func (c *client) fetch(ctx context.Context, account, method, url string, header http.Header, body []byte) (*Result, error) {
	doOnce := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, url, newBodyReader(body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		httpReq.Header = header.Clone()
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, account, doOnce)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newAPIError(resp.StatusCode, data)
		c.logger.Warn("upstream error status",
			zap.String("account", account),
			zap.Int("status", resp.StatusCode),
			zap.String("error_message", apiErr.Message),
			zap.String("body", truncate(string(data), 200)),
		)
		return nil, apiErr
	}

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
