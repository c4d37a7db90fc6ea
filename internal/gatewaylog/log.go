// Package gatewaylog defines the per-request log record (spec.md §3
// RequestLog) and the external collaborator interfaces the orchestrator
// calls out to (spec.md §6): AuthChecker, StatsCollector,
// AccessLogWriter, and PluginFactory. Besides no-op defaults, the only
// implementation here is the reference BearerAuthChecker — a concrete
// backing store (database, metrics backend, file-path plugin loader) is
// outside this module's scope, same as the teacher's audit log is to
// persistence.
package gatewaylog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/llmgateway/llmgateway/internal/pluginrt"
)

// Attempt records one upstream call the orchestrator made while
// handling a request, successful or not (spec.md §3).
type Attempt struct {
	UpstreamName string
	StatusCode   int
	Err          error
	StartedAt    time.Time
	DurationMs   int64
}

// RequestLog is the full record of one gateway request, assembled by
// the orchestrator and handed to an AccessLogWriter on completion.
type RequestLog struct {
	ID             string
	Method         string
	Path           string
	MatchedRoute   string
	RewrittenPath  string
	Attempts       []Attempt
	FinalStatus    int
	StreamDetected bool
	Err            error
	StartedAt      time.Time
	DurationMs     int64
}

// AuthChecker is consulted once per request before route matching, to
// reject unauthenticated requests early (spec.md §4.H, §7
// AuthRejected). The only concrete implementation shipped is
// BearerAuthChecker below; wire in another for any other credential
// scheme a deployment uses.
type AuthChecker interface {
	Check(ctx context.Context, r *http.Request) error
}

// NoopAuthChecker always allows the request. The default when no auth
// policy applies.
type NoopAuthChecker struct{}

func (NoopAuthChecker) Check(context.Context, *http.Request) error { return nil }

// BearerAuthChecker is a reference AuthChecker accepting any of a fixed
// set of bearer tokens on a configured header (spec.md §8 scenario 6).
// A deployment with a richer credential scheme (JWT, mTLS, per-route
// tokens) replaces it wholesale rather than extending it.
type BearerAuthChecker struct {
	Header string
	Tokens map[string]bool
}

// NewBearerAuthChecker builds a BearerAuthChecker from a raw token
// list, defaulting header to "Authorization" if empty.
func NewBearerAuthChecker(header string, tokens []string) *BearerAuthChecker {
	if header == "" {
		header = "Authorization"
	}
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return &BearerAuthChecker{Header: header, Tokens: set}
}

func (b *BearerAuthChecker) Check(_ context.Context, r *http.Request) error {
	raw := r.Header.Get(b.Header)
	token := strings.TrimPrefix(raw, "Bearer ")
	if raw == "" || !b.Tokens[token] {
		return fmt.Errorf("missing or invalid bearer token")
	}
	return nil
}

// StatsCollector receives request outcome counters for external
// metrics/observability pipelines.
type StatsCollector interface {
	RecordRequest(route string, status int, durationMs int64)
	RecordUpstreamAttempt(route, upstream string, status int, err error)
}

// NoopStatsCollector discards every event.
type NoopStatsCollector struct{}

func (NoopStatsCollector) RecordRequest(string, int, int64)             {}
func (NoopStatsCollector) RecordUpstreamAttempt(string, string, int, error) {}

// AccessLogWriter persists a completed RequestLog. A deployment wires
// this to whatever durable store or log pipeline it wants; this module
// carries no persistence (spec.md Non-goals).
type AccessLogWriter interface {
	Write(ctx context.Context, log RequestLog) error
}

// NoopAccessLogWriter discards every record.
type NoopAccessLogWriter struct{}

func (NoopAccessLogWriter) Write(context.Context, RequestLog) error { return nil }

// PluginFactory resolves a configured plugin name (and its optional
// config map) to a live pluginrt.Plugin instance. The gateway ships
// only the built-in transformers (pluginrt.BuiltinTransformers); a
// deployment wanting file-path or process-isolated custom plugins
// implements this interface itself.
type PluginFactory interface {
	Build(name string, config map[string]any) (pluginrt.Plugin, error)
}
