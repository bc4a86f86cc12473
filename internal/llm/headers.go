package llm

import (
	"net/http"
	"strings"

	"protorelay/internal/protocol"
)

// strippedHeaders never travel upstream: hop-by-hop and proxy control
// headers, headers the transport recomputes, and caller credentials.
var strippedHeaders = map[string]struct{}{
	"Host":                {},
	"Content-Length":      {},
	"Transfer-Encoding":   {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Upgrade":             {},
	"Te":                  {},
	"Trailer":             {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
	"Proxy-Connection":    {},
	"Accept-Encoding":     {},
	"Authorization":       {},
	"X-Api-Key":           {},
	"Cookie":              {},
	"X-Forwarded-For":     {},
	"X-Real-Ip":           {},
}

// buildHeaders assembles the outbound headers for call. Static config headers
// override forwarded ones; the credential and content type are always set last.
func (c *client) buildHeaders(call *Call, accept string) http.Header {
	h := make(http.Header)

	for k, vs := range call.Forward {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := strippedHeaders[ck]; skip {
			continue
		}
		if strings.HasPrefix(ck, "Proxy-") {
			continue
		}
		for _, v := range vs {
			h.Add(ck, v)
		}
	}
	// Headers named in Connection are hop-by-hop too.
	for _, v := range call.Forward.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}

	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}

	h.Set("Content-Type", "application/json")
	if accept != "" {
		h.Set("Accept", accept)
	}

	switch c.cfg.Protocol {
	case protocol.Anthropic:
		h.Set("X-Api-Key", call.Credential)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", c.cfg.AnthropicVersion)
		}
	default:
		h.Set("Authorization", "Bearer "+call.Credential)
	}

	return h
}
