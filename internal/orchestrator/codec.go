package orchestrator

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody returns resp's body decompressed according to its
// Content-Encoding header, so modification rules always see plain JSON
// bytes regardless of what the upstream sent over the wire.
func decodeBody(resp *http.Response, raw []byte) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("decompressing brotli response body: %w", err)
		}
		return out, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip response body: %w", err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("reading gzip response body: %w", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

// encodeBodyIfClientWantsBrotli recompresses a modified response body
// with brotli when the original upstream response was brotli-encoded,
// so the Content-Encoding header the gateway forwards stays accurate.
func encodeBodyIfClientWantsBrotli(wasBrotli bool, body []byte) []byte {
	if !wasBrotli {
		return body
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return body
	}
	if err := w.Close(); err != nil {
		return body
	}
	return buf.Bytes()
}
