package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/llmgateway/llmgateway/internal/exprengine"
	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
	"github.com/llmgateway/llmgateway/internal/pluginrt"
)

func baseConfig(upstreamURL string) *gatewayconfig.Config {
	cfg := &gatewayconfig.Config{
		Routes: []gatewayconfig.Route{
			{
				Path: "/v1/messages",
				Upstreams: []gatewayconfig.Upstream{
					{Name: "primary", URL: upstreamURL, Weight: 100, Priority: 1, RequestTimeoutMs: 2000},
				},
			},
		},
	}
	return cfg
}

func mustGateway(t *testing.T, cfg *gatewayconfig.Config) *Gateway {
	t.Helper()
	g, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestServeHTTPReturns404WhenNoRouteMatches(t *testing.T) {
	g := mustGateway(t, baseConfig("http://unused"))
	req := httptest.NewRequest(http.MethodPost, "/no/such/route", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTPForwardsAndReturnsUpstreamJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"echo": body["prompt"]})
	}))
	defer upstream.Close()

	g := mustGateway(t, baseConfig(upstream.URL))
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("echo = %v, want hi", out["echo"])
	}
}

func TestServeHTTPRejectsOversizedBody(t *testing.T) {
	cfg := baseConfig("http://unused")
	cfg.Server.BodyParserLimit = "10B"
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(strings.Repeat("x", 100)))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestServeHTTPRetriesAgainstSecondUpstreamOn503(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer healthy.Close()

	cfg := &gatewayconfig.Config{
		Routes: []gatewayconfig.Route{
			{
				Path: "/v1/messages",
				Upstreams: []gatewayconfig.Upstream{
					{Name: "failing", URL: failing.URL, Weight: 100, Priority: 1, RequestTimeoutMs: 2000},
					{Name: "healthy", URL: healthy.URL, Weight: 1, Priority: 2, RequestTimeoutMs: 2000},
				},
				Failover: &gatewayconfig.FailoverPolicy{
					FailureThreshold:     1,
					HealthyThreshold:     1,
					RecoveryIntervalMs:   5000,
					RetryableStatusCodes: []int{503},
					Backoff:              gatewayconfig.Backoff{BaseMs: 1, MaxMs: 5, Factor: 0.1},
				},
			},
		},
	}
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover, body=%s", rec.Code, rec.Body.String())
	}
}

// TestServeHTTPLastUpstreamSurfacesItsOwnStatus pins spec.md §4.E step
// 5: once a retryable status is hit on the last available upstream, the
// gateway surfaces that upstream's own response/status to the client
// rather than discarding it for a synthesized 502.
func TestServeHTTPLastUpstreamSurfacesItsOwnStatus(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	cfg := &gatewayconfig.Config{
		Routes: []gatewayconfig.Route{
			{
				Path: "/v1/messages",
				Upstreams: []gatewayconfig.Upstream{
					{Name: "only", URL: failing.URL, Weight: 100, Priority: 1, RequestTimeoutMs: 2000},
				},
				Failover: &gatewayconfig.FailoverPolicy{
					FailureThreshold:     1,
					HealthyThreshold:     1,
					RecoveryIntervalMs:   60000,
					RetryableStatusCodes: []int{503},
					Backoff:              gatewayconfig.Backoff{BaseMs: 1, MaxMs: 5, Factor: 0.1},
				},
			},
		},
	}
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (the last upstream's own status, not a synthesized 502)", rec.Code)
	}
}

// TestServeHTTPAllUpstreamsExhaustedReturns502 covers the distinct case
// where selection itself fails before any response is ever obtained
// (every candidate already excluded/unhealthy) — there is no response
// to surface, so this is the only path that still synthesizes a 502.
func TestServeHTTPAllUpstreamsExhaustedReturns502(t *testing.T) {
	cfg := &gatewayconfig.Config{
		Routes: []gatewayconfig.Route{
			{
				Path: "/v1/messages",
				Upstreams: []gatewayconfig.Upstream{
					{Name: "only", URL: "http://unused", Weight: 100, Priority: 1, RequestTimeoutMs: 2000},
				},
				Failover: &gatewayconfig.FailoverPolicy{FailureThreshold: 1, HealthyThreshold: 1, RecoveryIntervalMs: 600000},
			},
		},
	}
	g := mustGateway(t, cfg)

	um := g.upstreamMaps["/v1/messages"]
	ru := um.Get("only")
	p := gatewayconfig.FailoverPolicy{FailureThreshold: 1, HealthyThreshold: 1, RecoveryIntervalMs: 600000}
	now := time.Now()
	ru.RecordFailure(p, now)
	ru.RecordFailure(p, now)
	ru.RecordFailure(p, now)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestServeHTTPStripsAuthHeaderBeforeForwarding(t *testing.T) {
	var sawAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := baseConfig(upstream.URL)
	cfg.Auth = &gatewayconfig.AuthPolicy{Enabled: true, Header: "Authorization", Tokens: []string{"T"}}
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer T")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if sawAuth != "" {
		t.Fatalf("upstream saw Authorization header %q, want stripped", sawAuth)
	}
}

func TestServeHTTPRejectsBadBearerToken(t *testing.T) {
	cfg := baseConfig("http://unused")
	cfg.Auth = &gatewayconfig.AuthPolicy{Enabled: true, Header: "Authorization", Tokens: []string{"T"}}
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("WWW-Authenticate header missing")
	}
}

func TestServeHTTPRelaysSSEStreamWithPhaseDetection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
		f.Flush()
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
		f.Flush()
	}))
	defer upstream.Close()

	cfg := baseConfig(upstream.URL)
	cfg.Routes[0].Stream = &gatewayconfig.StreamTransformRule{
		Detection: gatewayconfig.PhaseDetection{
			StartWhen: []string{"message_start"},
			EndWhen:   []string{"message_stop"},
		},
	}
	g := mustGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "message_start") {
		t.Fatalf("stream body missing start event: %s", rec.Body.String())
	}
}

type shortCircuitPlugin struct{}

func (shortCircuitPlugin) Name() string { return "short-circuiter" }
func (shortCircuitPlugin) ProcessRequest(_ context.Context, ev *pluginrt.RequestEvent, _ exprengine.Context) error {
	ev.ShortCircuit = &pluginrt.ResponseEvent{
		StatusCode: http.StatusForbidden,
		Body:       map[string]any{"error": "blocked"},
	}
	return nil
}

type shortCircuitFactory struct{}

func (shortCircuitFactory) Build(name string, _ map[string]any) (pluginrt.Plugin, error) {
	return shortCircuitPlugin{}, nil
}

// TestServeHTTPPluginShortCircuitSkipsUpstream pins spec.md §4.F step
// 2: a request plugin that sets ShortCircuit gets its response served
// directly, and the upstream is never called.
func TestServeHTTPPluginShortCircuitSkipsUpstream(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := baseConfig(upstream.URL)
	cfg.Plugins = []gatewayconfig.PluginRef{{Name: "short-circuiter"}}
	g, err := New(Options{Config: cfg, PluginFactory: shortCircuitFactory{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if called {
		t.Fatal("upstream was called despite a short-circuit response")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if out["error"] != "blocked" {
		t.Fatalf("got %v, want blocked body from the short-circuit response", out)
	}
}

func TestReloadSwapsRoutesAtomically(t *testing.T) {
	g := mustGateway(t, baseConfig("http://unused"))

	newCfg := baseConfig("http://unused")
	newCfg.Routes[0].Path = "/v2/messages"
	if err := g.Reload(newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("old route still matches after reload: status = %d", rec.Code)
	}
}
