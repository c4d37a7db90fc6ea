// Package pluginrt implements the gateway's plugin lifecycle runtime
// (spec.md §4.F): ordered request/response hooks and the per-chunk SSE
// pipeline, plus the built-in provider-pair transformers that ship as
// plugins configured entirely from data (spec.md §9 Open Question 2).
package pluginrt

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/llmgateway/llmgateway/internal/exprengine"
)

// RequestEvent carries the outbound request state a plugin may inspect
// or mutate in processRequest.
type RequestEvent struct {
	Method  string
	URL     string
	Headers http.Header
	Body    map[string]any

	// ShortCircuit, if set by a plugin's ProcessRequest, tells the
	// orchestrator to serve this response directly instead of forwarding
	// the request upstream (spec.md §4.F step 2's shortCircuitResponse).
	ShortCircuit *ResponseEvent
}

// ResponseEvent carries the inbound (non-streaming) response state a
// plugin may inspect or mutate in processResponse.
type ResponseEvent struct {
	StatusCode int
	Headers    http.Header
	Body       map[string]any
}

// StreamChunkResultKind tags what a plugin did with one SSE chunk, per
// spec.md §9's designed chunk-ratio support (1:1, 1:M, N:0, N:M).
type StreamChunkResultKind int

const (
	// Passthrough means the plugin did not alter this chunk; the
	// pipeline's current working chunk is emitted unchanged.
	Passthrough StreamChunkResultKind = iota
	// Suppress means this chunk produces no output event (N:0).
	Suppress
	// Emit means the plugin replaces the chunk with zero or more
	// output events (1:M or N:M, depending on how many input chunks
	// have been buffered before Emit is returned).
	Emit
)

// StreamChunkResult is the result of one plugin's processStreamChunk
// call for one input chunk.
type StreamChunkResult struct {
	Kind   StreamChunkResultKind
	Events []map[string]any // only meaningful when Kind == Emit
}

// Plugin is the full lifecycle a gateway plugin may implement. Every
// method is optional — a plugin only implements the hooks it needs,
// and the runtime type-asserts for each capability interface below
// rather than requiring a monolithic interface with no-op stubs.
type Plugin interface {
	Name() string
}

// RequestProcessor is the optional capability to inspect/mutate an
// outbound request before it is sent upstream.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, ev *RequestEvent, ectx exprengine.Context) error
}

// ResponseProcessor is the optional capability to inspect/mutate a
// complete (non-streaming) upstream response before it reaches the
// client.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, ev *ResponseEvent, ectx exprengine.Context) error
}

// StreamChunkContext carries the per-chunk streaming metadata spec.md §3's
// StreamChunkContext defines: whether this is the first or last chunk
// of the stream, and State, a scratch namespace private to this plugin
// for the lifetime of one stream — a buffering N:M or N:0 plugin keeps
// partial state here across ProcessStreamChunk calls instead of in a
// process-wide field (built-in transformers run as process-wide
// singletons shared across concurrent streams).
type StreamChunkContext struct {
	State        map[string]any
	IsFirstChunk bool
	IsLastChunk  bool
}

// StreamChunkProcessor is the optional capability to inspect/mutate one
// SSE chunk as it flows through the stream executor.
type StreamChunkProcessor interface {
	ProcessStreamChunk(ctx context.Context, chunk map[string]any, ectx exprengine.Context, scctx StreamChunkContext) (StreamChunkResult, error)
}

// StreamFlusher is the optional capability to emit trailing events once
// the upstream stream ends (e.g. a plugin buffering partial state that
// must be flushed at end-of-stream).
type StreamFlusher interface {
	FlushStream(ctx context.Context, ectx exprengine.Context) ([]map[string]any, error)
}

// Loadable is the optional onLoad/onUnload lifecycle interface — e.g. to
// open a resource a plugin instance holds across requests. Nothing in
// the gateway calls these hooks: neither chain assembly nor Reload
// invokes OnLoad or OnUnload.
type Loadable interface {
	OnLoad(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// Chain is an ordered, assembled set of plugins for one request: global
// plugins first, then route plugins, then upstream plugins (spec.md
// §4.F's assembly order). A Chain is built fresh per request (and, for
// streaming responses, lives for that one stream's duration), so
// streamState below is never shared across requests or concurrent
// streams.
type Chain struct {
	plugins []Plugin

	// streamState holds each plugin's private StreamChunkContext.State
	// map, keyed by plugin name, for the life of one stream.
	streamState map[string]map[string]any
}

// NewChain assembles global, route, and upstream plugin lists in that
// fixed order.
func NewChain(global, route, upstreamPlugins []Plugin) *Chain {
	c := &Chain{}
	c.plugins = append(c.plugins, global...)
	c.plugins = append(c.plugins, route...)
	c.plugins = append(c.plugins, upstreamPlugins...)
	return c
}

// RunRequest runs ProcessRequest on every plugin in the chain that
// implements RequestProcessor, in chain order. A plugin failure is
// logged and that plugin's mutation is skipped — the event passes
// through unchanged to the next plugin and the request continues
// (spec.md §4.F failure policy, §7's PluginError kind never aborts the
// pipeline).
func (c *Chain) RunRequest(ctx context.Context, ev *RequestEvent, ectx exprengine.Context, log *slog.Logger) {
	for _, p := range c.plugins {
		rp, ok := p.(RequestProcessor)
		if !ok {
			continue
		}
		if err := rp.ProcessRequest(ctx, ev, ectx); err != nil {
			logPluginError(log, p.Name(), "processRequest", err)
		}
	}
}

// RunResponse runs ProcessResponse on every plugin in the chain that
// implements ResponseProcessor, in reverse chain order (spec.md §4.F(3):
// response hooks unwind in the opposite order requests were processed
// in, last-applied-first-undone). A plugin failure is logged and
// skipped, same policy as RunRequest.
func (c *Chain) RunResponse(ctx context.Context, ev *ResponseEvent, ectx exprengine.Context, log *slog.Logger) {
	for i := len(c.plugins) - 1; i >= 0; i-- {
		p := c.plugins[i]
		rp, ok := p.(ResponseProcessor)
		if !ok {
			continue
		}
		if err := rp.ProcessResponse(ctx, ev, ectx); err != nil {
			logPluginError(log, p.Name(), "processResponse", err)
		}
	}
}

func logPluginError(log *slog.Logger, plugin, hook string, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Warn("plugin hook failed, passing through unchanged", "plugin", plugin, "hook", hook, "error", err)
}

// RunStreamChunk pipes chunk through every plugin in the chain that
// implements StreamChunkProcessor, in chain order. isFirst/isLast flag
// whether chunk is the stream's first or terminal chunk (spec.md §3's
// StreamChunkContext), and each plugin gets its own persistent State
// namespace across calls on this Chain (one Chain per stream). A
// Suppress or Emit result from one plugin feeds the next stage of the
// pipeline:
//   - Passthrough: the current chunk set is unchanged for the next plugin.
//   - Suppress: the chunk set becomes empty; later plugins in the chain
//     still run (on zero chunks) so flush-only plugins are unaffected.
//   - Emit: the current chunk set is replaced by the emitted events.
func (c *Chain) RunStreamChunk(ctx context.Context, chunk map[string]any, ectx exprengine.Context, isFirst, isLast bool) ([]map[string]any, error) {
	working := []map[string]any{chunk}

	for _, p := range c.plugins {
		sp, ok := p.(StreamChunkProcessor)
		if !ok {
			continue
		}

		scctx := StreamChunkContext{State: c.stateFor(p.Name()), IsFirstChunk: isFirst, IsLastChunk: isLast}

		var next []map[string]any
		for _, ch := range working {
			res, err := sp.ProcessStreamChunk(ctx, ch, ectx, scctx)
			if err != nil {
				return nil, &PluginError{Plugin: p.Name(), Hook: "processStreamChunk", Err: err}
			}
			switch res.Kind {
			case Passthrough:
				next = append(next, ch)
			case Suppress:
				// contributes nothing
			case Emit:
				next = append(next, res.Events...)
			}
		}
		working = next
	}

	return working, nil
}

// stateFor returns plugin name's persistent scratch map for this
// Chain's stream, creating it on first use.
func (c *Chain) stateFor(name string) map[string]any {
	if c.streamState == nil {
		c.streamState = map[string]map[string]any{}
	}
	if c.streamState[name] == nil {
		c.streamState[name] = map[string]any{}
	}
	return c.streamState[name]
}

// RunFlush runs FlushStream on every plugin in the chain that
// implements StreamFlusher, in chain order, collecting every plugin's
// trailing events.
func (c *Chain) RunFlush(ctx context.Context, ectx exprengine.Context) ([]map[string]any, error) {
	var out []map[string]any
	for _, p := range c.plugins {
		fp, ok := p.(StreamFlusher)
		if !ok {
			continue
		}
		events, err := fp.FlushStream(ctx, ectx)
		if err != nil {
			return nil, &PluginError{Plugin: p.Name(), Hook: "flushStream", Err: err}
		}
		out = append(out, events...)
	}
	return out, nil
}

// PluginError wraps a lifecycle hook failure with the plugin and hook
// name that produced it (spec.md §7's PluginError kind).
type PluginError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + "." + e.Hook + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error { return e.Err }
