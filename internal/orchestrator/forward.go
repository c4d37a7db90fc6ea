package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// hopByHopHeaders must never be forwarded across a proxy hop — they are
// connection-specific to the client<->gateway or gateway<->upstream leg
// they were set on.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forwardRequest builds and sends the outbound request to upstreamURL,
// copying method, headers (minus hop-by-hop), and body from the
// already-mutated RequestEvent.
func forwardRequest(ctx context.Context, client *http.Client, method, upstreamURL string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	copyHeaders(req.Header, headers)
	req.ContentLength = int64(len(body))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", upstreamURL, err)
	}
	return resp, nil
}

// copyHeaders copies src into dst, skipping hop-by-hop headers and Host
// (the HTTP client sets Host from the upstream URL itself).
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies upstream response headers to the client
// response writer, skipping hop-by-hop headers.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
