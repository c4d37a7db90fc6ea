// Package orchestrator implements the request orchestrator (spec.md
// §4.H): it glues route matching, request/response modification, the
// plugin runtime, the upstream selector/failover state machine, and the
// SSE stream executor into the gateway's single ServeHTTP entry point.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/llmgateway/llmgateway/internal/exprengine"
	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
	"github.com/llmgateway/llmgateway/internal/gatewaylog"
	"github.com/llmgateway/llmgateway/internal/modify"
	"github.com/llmgateway/llmgateway/internal/pluginrt"
	"github.com/llmgateway/llmgateway/internal/route"
	"github.com/llmgateway/llmgateway/internal/sse"
	"github.com/llmgateway/llmgateway/internal/upstream"
)

// Options are the dependencies injected into a Gateway at construction,
// mirroring the teacher's proxy.Options wiring pattern.
type Options struct {
	Config          *gatewayconfig.Config
	Client          *http.Client
	AuthChecker     gatewaylog.AuthChecker
	StatsCollector  gatewaylog.StatsCollector
	AccessLogWriter gatewaylog.AccessLogWriter
	PluginFactory   gatewaylog.PluginFactory
	Logger          *slog.Logger
}

// Gateway is the HTTP handler that implements the full request
// pipeline. Reload replaces its internal route/upstream/plugin state
// atomically without dropping requests already in flight (spec.md §5).
type Gateway struct {
	mu sync.RWMutex

	cfg           *gatewayconfig.Config
	table         *route.Table
	upstreamMaps  map[string]*upstream.Map  // keyed by route path
	routeRules    map[string]*compiledRoute // keyed by route path
	globalPlugins []pluginrt.Plugin

	client         *http.Client
	authChecker    gatewaylog.AuthChecker
	stats          gatewaylog.StatsCollector
	accessLog      gatewaylog.AccessLogWriter
	pluginFactory  gatewaylog.PluginFactory
	log            *slog.Logger
	bodyLimitBytes int64
}

// compiledRoute bundles one route's pre-compiled modification and
// response rules, its stream transform, and its assembled plugin list —
// everything the hot request path needs that is cheap to precompute
// once at load/reload time.
type compiledRoute struct {
	cfg             *gatewayconfig.Route
	request         *modify.CompiledRules
	response        []compiledResponseRule
	stream          *sse.CompiledTransform
	routePlugins    []pluginrt.Plugin
	upstreamPlugins map[string][]pluginrt.Plugin // keyed by upstream name
	failover        gatewayconfig.FailoverPolicy
}

type compiledResponseRule struct {
	match gatewayconfig.ResponseMatch
	apply *modify.CompiledRules
}

// New builds a Gateway from opts, compiling the initial config. Any
// nil collaborator is replaced with its no-op default so the gateway
// always has something safe to call.
func New(opts Options) (*Gateway, error) {
	g := &Gateway{
		client:        opts.Client,
		authChecker:   opts.AuthChecker,
		stats:         opts.StatsCollector,
		accessLog:     opts.AccessLogWriter,
		pluginFactory: opts.PluginFactory,
		log:           opts.Logger,
	}
	if g.client == nil {
		g.client = http.DefaultClient
	}
	if g.authChecker == nil {
		if opts.Config != nil && opts.Config.Auth != nil && opts.Config.Auth.Enabled {
			g.authChecker = gatewaylog.NewBearerAuthChecker(opts.Config.Auth.Header, opts.Config.Auth.Tokens)
		} else {
			g.authChecker = gatewaylog.NoopAuthChecker{}
		}
	}
	if g.stats == nil {
		g.stats = gatewaylog.NoopStatsCollector{}
	}
	if g.accessLog == nil {
		g.accessLog = gatewaylog.NoopAccessLogWriter{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}

	if err := g.Reload(opts.Config); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload recompiles cfg into a fresh route table, upstream map set,
// and plugin chains, then swaps them in under a write lock. Requests
// already holding a reference to the old state (via a snapshot taken
// at the top of ServeHTTP) are unaffected (spec.md §5).
func (g *Gateway) Reload(cfg *gatewayconfig.Config) error {
	table, err := route.Compile(cfg.Routes)
	if err != nil {
		return fmt.Errorf("compiling routes: %w", err)
	}

	globalPlugins, err := g.resolvePlugins(cfg.Plugins)
	if err != nil {
		return fmt.Errorf("resolving global plugins: %w", err)
	}

	now := time.Now()
	upstreamMaps := make(map[string]*upstream.Map, len(cfg.Routes))
	routeRules := make(map[string]*compiledRoute, len(cfg.Routes))

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		upstreamMaps[r.Path] = upstream.BuildMap(r.Upstreams, now)

		reqRules, err := modify.Compile(r.Request)
		if err != nil {
			return fmt.Errorf("route %q: request rules: %w", r.Path, err)
		}
		if reqRules == nil {
			reqRules = &modify.CompiledRules{}
		}

		var respRules []compiledResponseRule
		for _, rr := range r.Response {
			cr, err := modify.Compile(rr.Apply)
			if err != nil {
				return fmt.Errorf("route %q: response rule: %w", r.Path, err)
			}
			if cr == nil {
				cr = &modify.CompiledRules{}
			}
			respRules = append(respRules, compiledResponseRule{match: rr.Match, apply: cr})
		}

		streamT, err := sse.CompileTransform(r.Stream)
		if err != nil {
			return fmt.Errorf("route %q: stream rules: %w", r.Path, err)
		}

		routePlugins, err := g.resolvePlugins(r.Plugins)
		if err != nil {
			return fmt.Errorf("route %q: plugins: %w", r.Path, err)
		}

		upstreamPlugins := make(map[string][]pluginrt.Plugin, len(r.Upstreams))
		for _, u := range r.Upstreams {
			up, err := g.resolvePlugins(u.Plugins)
			if err != nil {
				return fmt.Errorf("route %q: upstream %q: plugins: %w", r.Path, u.Name, err)
			}
			upstreamPlugins[u.Name] = up
		}

		failover := gatewayconfig.FailoverPolicy{}
		if r.Failover != nil {
			failover = *r.Failover
		}

		routeRules[r.Path] = &compiledRoute{
			cfg:             r,
			request:         reqRules,
			response:        respRules,
			stream:          streamT,
			routePlugins:    routePlugins,
			upstreamPlugins: upstreamPlugins,
			failover:        failover,
		}
	}

	limit, err := humanize.ParseBytes(cfg.Server.BodyParserLimit)
	if err != nil {
		limit = 10 * 1024 * 1024
	}

	g.mu.Lock()
	g.cfg = cfg
	g.table = table
	g.upstreamMaps = upstreamMaps
	g.routeRules = routeRules
	g.globalPlugins = globalPlugins
	g.bodyLimitBytes = int64(limit)
	g.mu.Unlock()

	return nil
}

// snapshot is the immutable state one request pins for its whole
// lifetime, taken once at the top of ServeHTTP.
type snapshot struct {
	table          *route.Table
	upstreamMaps   map[string]*upstream.Map
	routeRules     map[string]*compiledRoute
	globalPlugins  []pluginrt.Plugin
	bodyLimitBytes int64
	auth           *gatewayconfig.AuthPolicy
}

func (g *Gateway) snapshot() snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return snapshot{
		table:          g.table,
		upstreamMaps:   g.upstreamMaps,
		routeRules:     g.routeRules,
		globalPlugins:  g.globalPlugins,
		bodyLimitBytes: g.bodyLimitBytes,
		auth:           g.cfg.Auth,
	}
}

func (g *Gateway) resolvePlugins(refs []gatewayconfig.PluginRef) ([]pluginrt.Plugin, error) {
	builtins := pluginrt.BuiltinTransformers()
	out := make([]pluginrt.Plugin, 0, len(refs))
	for _, ref := range refs {
		if tr, ok := builtins[ref.Name]; ok {
			out = append(out, tr)
			continue
		}
		if g.pluginFactory == nil {
			return nil, fmt.Errorf("plugin %q: no plugin factory configured and it is not a built-in transformer", ref.Name)
		}
		p, err := g.pluginFactory.Build(ref.Name, ref.Config)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", ref.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ServeHTTP implements the full pipeline per spec.md §4.H: auth ->
// route match -> rewrite -> body capture -> request rules + plugin
// hooks -> upstream selection with retry -> response handling.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := g.snapshot()
	reqID := uuid.NewString()

	logRec := gatewaylog.RequestLog{ID: reqID, Method: r.Method, Path: r.URL.Path, StartedAt: start}

	defer func() {
		logRec.DurationMs = time.Since(start).Milliseconds()
		if err := g.accessLog.Write(r.Context(), logRec); err != nil {
			g.log.Warn("access log write failed", "error", err)
		}
		g.stats.RecordRequest(logRec.MatchedRoute, logRec.FinalStatus, logRec.DurationMs)
	}()

	if err := g.authChecker.Check(r.Context(), r); err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		g.fail(w, &logRec, newErr(KindAuthRejected, err))
		return
	}
	if snap.auth != nil && snap.auth.Enabled {
		r.Header.Del(snap.auth.Header)
	}

	cr := snap.table.Match(r.URL.Path)
	if cr == nil {
		g.fail(w, &logRec, newErr(KindRouteNotFound, fmt.Errorf("no route matches %s", r.URL.Path)))
		return
	}
	routeCfg := snap.routeRules[cr.Route.Path]
	logRec.MatchedRoute = cr.Route.Path

	rewritten, err := cr.Rewrite(r.URL.Path)
	if err != nil {
		g.fail(w, &logRec, newErr(KindExpressionError, err))
		return
	}
	logRec.RewrittenPath = rewritten

	body, err := io.ReadAll(io.LimitReader(r.Body, snap.bodyLimitBytes+1))
	if err != nil {
		g.fail(w, &logRec, newErr(KindBodyTooLarge, err))
		return
	}
	defer r.Body.Close()
	if int64(len(body)) > snap.bodyLimitBytes {
		g.fail(w, &logRec, newErr(KindBodyTooLarge, fmt.Errorf("body exceeds %d bytes", snap.bodyLimitBytes)))
		return
	}

	var bodyMap map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &bodyMap); err != nil {
			bodyMap = map[string]any{}
		}
	} else {
		bodyMap = map[string]any{}
	}

	baseCtx := exprengine.Context{
		Env:     map[string]string{},
		Headers: headerMap(r.Header),
		Body:    bodyMap,
		URL: exprengine.URLContext{
			Pathname: rewritten,
			Search:   r.URL.RawQuery,
			Host:     r.Host,
			Protocol: schemeOf(r),
		},
		Method: r.Method,
	}

	modify.ApplyHeaders(routeCfg.request.Headers, r.Header, baseCtx, g.log)
	multiFromRequest := modify.ApplyBody(routeCfg.request.Body, bodyMap, baseCtx, g.log)
	_ = multiFromRequest // request-side fan-out has no client to emit to; only a plugin can consume it

	requestChain := pluginrt.NewChain(snap.globalPlugins, routeCfg.routePlugins, nil)

	reqEvent := &pluginrt.RequestEvent{Method: r.Method, URL: rewritten, Headers: r.Header, Body: bodyMap}
	requestChain.RunRequest(r.Context(), reqEvent, baseCtx, g.log)

	if reqEvent.ShortCircuit != nil {
		g.writeShortCircuit(r.Context(), w, reqEvent.ShortCircuit, routeCfg, snap, baseCtx, &logRec)
		return
	}

	outBody, err := json.Marshal(bodyMap)
	if err != nil {
		g.fail(w, &logRec, newErr(KindExpressionError, err))
		return
	}

	um := snap.upstreamMaps[cr.Route.Path]
	resp, chosen, attemptErr := g.attemptWithRetry(r.Context(), um, routeCfg, reqEvent, outBody, &logRec)
	if attemptErr != nil {
		g.fail(w, &logRec, attemptErr)
		return
	}
	defer resp.Body.Close()

	fullChain := pluginrt.NewChain(snap.globalPlugins, routeCfg.routePlugins, routeCfg.upstreamPlugins[chosen.Config().Name])

	logRec.FinalStatus = resp.StatusCode
	g.writeResponse(r.Context(), w, resp, routeCfg, chosen, baseCtx, fullChain, &logRec)
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// fail writes a GatewayError to the client with its mapped HTTP status
// and records it on logRec.
func (g *Gateway) fail(w http.ResponseWriter, logRec *gatewaylog.RequestLog, gerr *GatewayError) {
	logRec.Err = gerr
	status := statusFor(gerr.Kind)
	logRec.FinalStatus = status
	g.log.Warn("request failed", "kind", gerr.Kind, "error", gerr.Err)
	http.Error(w, gerr.Error(), status)
}

// attemptWithRetry runs the upstream selection/retry loop (spec.md
// §4.E): select an eligible upstream, forward the request, classify
// the outcome, and retry against a different upstream on a retryable
// failure until one succeeds or every candidate is exhausted.
func (g *Gateway) attemptWithRetry(ctx context.Context, um *upstream.Map, rc *compiledRoute, reqEvent *pluginrt.RequestEvent, body []byte, logRec *gatewaylog.RequestLog) (*http.Response, *upstream.RuntimeUpstream, *GatewayError) {
	excluded := map[string]bool{}
	attempt := 0

	for {
		for _, ru := range um.All() {
			ru.MaybeRecover(rc.failover, time.Now())
		}

		ru, err := upstream.Select(um, excluded, time.Now())
		if err != nil {
			return nil, nil, newErr(KindAllUpstreamsExhausted, err)
		}

		cfg := ru.Config()
		upstreamURL := cfg.URL + reqEvent.URL
		headers := reqEvent.Headers.Clone()
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}

		timeoutMs := cfg.RequestTimeoutMs
		if ru.State() != upstream.Healthy {
			// A HALF_OPEN or UNHEALTHY upstream is being probed, not
			// trusted with a full-length request (spec.md §4.E step 3).
			timeoutMs = rc.failover.RecoveryTimeoutMs
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		callStart := time.Now()
		resp, err := forwardRequest(reqCtx, g.client, reqEvent.Method, upstreamURL, headers, body)
		cancel()

		a := gatewaylog.Attempt{UpstreamName: cfg.Name, StartedAt: callStart, DurationMs: time.Since(callStart).Milliseconds()}

		if err != nil {
			a.Err = err
			logRec.Attempts = append(logRec.Attempts, a)
			ru.RecordFailure(rc.failover, time.Now())
			excluded[cfg.Name] = true
			g.stats.RecordUpstreamAttempt(rc.cfg.Path, cfg.Name, 0, err)
			attempt++
			if ctx.Err() != nil {
				return nil, nil, newErr(KindUpstreamTimeout, err)
			}
			time.Sleep(upstream.BackoffDelay(rc.failover.Backoff, attempt-1))
			continue
		}

		a.StatusCode = resp.StatusCode
		logRec.Attempts = append(logRec.Attempts, a)
		g.stats.RecordUpstreamAttempt(rc.cfg.Path, cfg.Name, resp.StatusCode, nil)

		if isRetryableStatus(resp.StatusCode, rc.failover.RetryableStatusCodes) {
			nextExcluded := make(map[string]bool, len(excluded)+1)
			for k := range excluded {
				nextExcluded[k] = true
			}
			nextExcluded[cfg.Name] = true

			if _, err := upstream.Select(um, nextExcluded, time.Now()); err != nil {
				// No other upstream remains: surface this response to the
				// client rather than discarding it for a synthesized 502
				// (spec.md §4.E step 5, §7 UpstreamTerminalStatus).
				ru.RecordFailure(rc.failover, time.Now())
				return resp, ru, nil
			}

			resp.Body.Close()
			ru.RecordFailure(rc.failover, time.Now())
			excluded[cfg.Name] = true
			attempt++
			time.Sleep(upstream.BackoffDelay(rc.failover.Backoff, attempt-1))
			continue
		}

		// A non-retryable status is only a circuit-breaker success when it
		// is actually successful; a terminal >=400 still reaches the
		// client but counts as a failure (spec.md §4.E step 4, §7
		// UpstreamTerminalStatus, §8 circuit breaker monotonicity).
		if resp.StatusCode >= 400 {
			ru.RecordFailure(rc.failover, time.Now())
		} else {
			ru.RecordSuccess(rc.failover, time.Now())
		}
		return resp, ru, nil
	}
}

// writeShortCircuit serves a plugin-synthesized response directly,
// without ever selecting or forwarding to an upstream (spec.md §4.F
// step 2's shortCircuitResponse). It still runs the response plugin
// hooks, in the usual reverse order, so later-registered plugins can
// still observe or adjust the synthesized response before it reaches
// the client.
func (g *Gateway) writeShortCircuit(ctx context.Context, w http.ResponseWriter, sc *pluginrt.ResponseEvent, rc *compiledRoute, snap snapshot, baseCtx exprengine.Context, logRec *gatewaylog.RequestLog) {
	chain := pluginrt.NewChain(snap.globalPlugins, rc.routePlugins, nil)

	respCtx := baseCtx
	respCtx.Body = sc.Body
	chain.RunResponse(ctx, sc, respCtx, g.log)

	out, err := json.Marshal(sc.Body)
	if err != nil {
		http.Error(w, "marshaling short-circuit response", http.StatusInternalServerError)
		return
	}

	for k, vs := range sc.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	status := sc.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	logRec.FinalStatus = status
	w.WriteHeader(status)
	w.Write(out)
}

func isRetryableStatus(status int, codes []int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

// writeResponse dispatches the upstream response attemptWithRetry
// settled on (a success, a terminal >=400 status, or the last
// upstream's retryable status) to the streaming or non-streaming path
// based on its content type, applying
// response modification rules and the plugin response hooks along the
// way.
func (g *Gateway) writeResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, rc *compiledRoute, ru *upstream.RuntimeUpstream, baseCtx exprengine.Context, chain *pluginrt.Chain, logRec *gatewaylog.RequestLog) {
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		logRec.StreamDetected = true
		g.writeStream(ctx, w, resp, rc, baseCtx, chain)
		return
	}
	g.writeNonStream(ctx, w, resp, rc, baseCtx, chain)
}

func (g *Gateway) writeNonStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, rc *compiledRoute, baseCtx exprengine.Context, chain *pluginrt.Chain) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "reading upstream response", http.StatusBadGateway)
		return
	}

	wasBrotli := strings.EqualFold(resp.Header.Get("Content-Encoding"), "br")
	decoded, err := decodeBody(resp, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	var bodyMap map[string]any
	if err := json.Unmarshal(decoded, &bodyMap); err != nil {
		// Not JSON — pass through unmodified.
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	respCtx := baseCtx
	respCtx.Body = bodyMap

	for _, rule := range rc.response {
		if !responseMatches(rule.match, resp.StatusCode, resp.Header) {
			continue
		}
		modify.ApplyHeaders(rule.apply.Headers, resp.Header, respCtx, g.log)
		modify.ApplyBody(rule.apply.Body, bodyMap, respCtx, g.log)
	}

	respEvent := &pluginrt.ResponseEvent{StatusCode: resp.StatusCode, Headers: resp.Header, Body: bodyMap}
	chain.RunResponse(ctx, respEvent, respCtx, g.log)

	out, err := json.Marshal(bodyMap)
	if err != nil {
		http.Error(w, "marshaling modified response", http.StatusInternalServerError)
		return
	}
	out = encodeBodyIfClientWantsBrotli(wasBrotli, out)

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", fmt.Sprint(len(out)))
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
}

func responseMatches(m gatewayconfig.ResponseMatch, status int, headers http.Header) bool {
	if len(m.StatusCodes) > 0 {
		found := false
		for _, s := range m.StatusCodes {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, pattern := range m.Headers {
		g, err := globCompile(pattern)
		if err != nil || !g.Match(headers.Get(name)) {
			return false
		}
	}
	return true
}

type httpFlusher interface {
	Flush()
}

// sseResponseEmitter adapts an http.ResponseWriter into sse.Emitter.
type sseResponseEmitter struct {
	w       http.ResponseWriter
	flusher httpFlusher
}

func (e *sseResponseEmitter) Emit(event, data string) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (g *Gateway) writeStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, rc *compiledRoute, baseCtx exprengine.Context, chain *pluginrt.Chain) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	emitter := &sseResponseEmitter{w: w, flusher: flusher}

	err := sse.Execute(ctx, resp.Body, emitter, rc.stream, chain, baseCtx, func(err error) {
		g.log.Warn("stream plugin hook failed, skipping chunk", "error", err)
	})
	if err != nil {
		g.log.Error("stream execution failed", "error", err)
	}
}
