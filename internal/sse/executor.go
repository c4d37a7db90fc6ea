package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/llmgateway/llmgateway/internal/exprengine"
	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
	"github.com/llmgateway/llmgateway/internal/modify"
	"github.com/llmgateway/llmgateway/internal/pluginrt"
)

// renderEvent marshals a chunk back to the JSON payload an Emitter
// writes as a frame's data line.
func renderEvent(_ string, chunk map[string]any) (string, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("marshaling stream chunk: %w", err)
	}
	return string(data), nil
}

// StreamFramingError wraps an SSE parsing failure (spec.md §7).
type StreamFramingError struct {
	Err error
}

func (e *StreamFramingError) Error() string { return fmt.Sprintf("stream framing: %v", e.Err) }
func (e *StreamFramingError) Unwrap() error  { return e.Err }

// CompiledTransform is StreamTransformRule with every phase's
// modification rules pre-compiled, one set per gatewayconfig.Phase.
type CompiledTransform struct {
	classifier *classifier
	phases     map[gatewayconfig.Phase]*modify.CompiledRules
}

// CompileTransform pre-compiles a route's stream transform rules.
func CompileTransform(rule *gatewayconfig.StreamTransformRule) (*CompiledTransform, error) {
	if rule == nil {
		return &CompiledTransform{classifier: newClassifier(gatewayconfig.PhaseDetection{})}, nil
	}
	ct := &CompiledTransform{classifier: newClassifier(rule.Detection), phases: map[gatewayconfig.Phase]*modify.CompiledRules{}}
	for phase, rules := range rule.Phases {
		cr, err := modify.Compile(rules)
		if err != nil {
			return nil, fmt.Errorf("stream phase %q: %w", phase, err)
		}
		ct.phases[phase] = cr
	}
	return ct, nil
}

// Emitter writes a rendered frame to the client. The orchestrator
// supplies one backed by the live http.ResponseWriter/Flusher.
type Emitter interface {
	Emit(event, data string) error
}

// Execute reads SSE frames from upstream, classifies each into a phase,
// applies that phase's modification rules and the plugin chain's
// processStreamChunk hook, and writes the resulting event(s) via out —
// incrementally, one frame at a time, as ParseFrames delivers it, not
// after the whole upstream body has been read (spec.md §9 Design
// Notes). At end of stream it runs the plugin chain's flushStream hook
// and emits any trailing events before returning.
func Execute(ctx context.Context, upstreamBody io.Reader, out Emitter, ct *CompiledTransform, chain *pluginrt.Chain, baseCtx exprengine.Context, logSkip func(err error)) error {
	index := 0
	var execErr error

	parseErr := ParseFrames(upstreamBody, func(frame Frame) (bool, error) {
		idx := index
		index++
		stop, err := processFrame(ctx, idx, frame, out, ct, chain, baseCtx, logSkip)
		if err != nil {
			execErr = err
			return true, err
		}
		return stop, nil
	})

	if execErr != nil {
		return execErr
	}
	if parseErr != nil {
		return &StreamFramingError{Err: parseErr}
	}

	if chain != nil {
		trailing, err := chain.RunFlush(ctx, baseCtx)
		if err != nil {
			return err
		}
		for _, ev := range trailing {
			rendered, err := renderEvent("", ev)
			if err != nil {
				return err
			}
			if err := out.Emit("", rendered); err != nil {
				return err
			}
		}
	}

	return nil
}

// processFrame classifies and emits one frame, returning stop=true once
// the configured end phase is reached (the caller then stops reading
// further frames off the wire).
func processFrame(ctx context.Context, idx int, frame Frame, out Emitter, ct *CompiledTransform, chain *pluginrt.Chain, baseCtx exprengine.Context, logSkip func(err error)) (bool, error) {
	data, isJSON := DecodeData(frame.Data)
	isFirst := idx == 0

	phase := ct.classifier.Detect(frame, data, isFirst)
	if phase == gatewayconfig.PhaseSkip {
		return false, nil
	}
	if frame.Data == DoneSentinel {
		return false, out.Emit(frame.Event, frame.Data)
	}
	if !isJSON {
		return false, out.Emit(frame.Event, frame.Data)
	}

	chunkCtx := baseCtx
	chunkCtx.Stream = &exprengine.StreamContext{ChunkIndex: idx}
	chunkCtx.Body = data

	isLast := phase == gatewayconfig.PhaseEnd

	var events []map[string]any
	if rules, ok := ct.phases[phase]; ok {
		// Stream frames carry no mutable header set of their own; header
		// rules at this phase have nothing to apply to here — header
		// mutation only applies to the initial response.
		extra := modify.ApplyBody(rules.Body, data, chunkCtx, nil)
		if len(extra) > 0 {
			// __multi_events replaces the single logical event with its N
			// unwrapped entries, each still subject to this phase's remove
			// rule (spec.md §4.G) — it never supplements the original.
			events = make([]map[string]any, 0, len(extra))
			for _, raw := range extra {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				modify.RemovePaths(m, rules.Body.Remove)
				events = append(events, m)
			}
		} else {
			events = append(events, data)
		}
	} else {
		events = append(events, data)
	}

	if chain != nil {
		var piped []map[string]any
		for _, ev := range events {
			chunkOut, err := chain.RunStreamChunk(ctx, ev, chunkCtx, isFirst, isLast)
			if err != nil {
				if logSkip != nil {
					logSkip(err)
				}
				continue
			}
			piped = append(piped, chunkOut...)
		}
		events = piped
	}

	for _, ev := range events {
		rendered, err := renderEvent(frame.Event, ev)
		if err != nil {
			return false, err
		}
		if err := out.Emit(frame.Event, rendered); err != nil {
			return false, err
		}
	}

	return isLast, nil
}
