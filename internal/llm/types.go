package llm

import (
	"context"
	"io"
	"net/http"

	"protorelay/internal/protocol"
)

// Call is one upstream exchange made with one account's credential.
type Call struct {
	// Account is the display name used in logs.
	Account    string
	Credential string
	Body       []byte
	// Forward holds caller headers to pass along. Hop-by-hop, proxy and
	// credential headers are stripped before sending.
	Forward http.Header
}

// Result is a fully read upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client talks to one backend.
type Client interface {
	Protocol() protocol.Protocol
	// Complete performs a buffered call. A non-2xx status is an *APIError.
	Complete(ctx context.Context, call *Call) (*Result, error)
	// Stream opens a streaming call. The returned body must be closed; reads
	// fail with *TimeoutError or *TransportError, or the caller's context error.
	Stream(ctx context.Context, call *Call) (io.ReadCloser, error)
	// ListModels forwards a models listing request.
	ListModels(ctx context.Context, call *Call) (*Result, error)
}
