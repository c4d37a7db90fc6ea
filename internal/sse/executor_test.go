package sse

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/llmgateway/llmgateway/internal/exprengine"
	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
	"github.com/llmgateway/llmgateway/internal/modify"
	"github.com/llmgateway/llmgateway/internal/pluginrt"
)

type captureEmitter struct {
	events []string
}

func (c *captureEmitter) Emit(event, data string) error {
	c.events = append(c.events, data)
	return nil
}

func TestExecuteRelaysEachFrameWithoutPhaseRules(t *testing.T) {
	ct, err := CompileTransform(&gatewayconfig.StreamTransformRule{
		Detection: gatewayconfig.PhaseDetection{EventField: "type", EndWhen: []string{"message_stop"}},
	})
	if err != nil {
		t.Fatalf("CompileTransform: %v", err)
	}

	input := `data: {"type":"content_block_delta","text":"hi"}` + "\n\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	emitter := &captureEmitter{}
	err = Execute(context.Background(), strings.NewReader(input), emitter, ct, nil, exprengine.Context{}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("got %d events, want 2", len(emitter.events))
	}
}

// TestExecuteMultiEventsReplacesNotSupplements pins scenario 5 from the
// modification-rules spec: a chunk whose rules set __multi_events to an
// N-entry list must be replaced by exactly those N events, each with
// the phase's remove rule applied — never the original event plus N.
func TestExecuteMultiEventsReplacesNotSupplements(t *testing.T) {
	rules := &modify.Rules{Body: &modify.BodyRules{
		Remove: []string{"raw"},
		Add: map[string]any{
			modify.MultiEventsKey: []any{
				map[string]any{"type": "part", "text": "a", "raw": "keepout"},
				map[string]any{"type": "part", "text": "b", "raw": "keepout"},
			},
		},
	}}
	ct, err := CompileTransform(&gatewayconfig.StreamTransformRule{
		Detection: gatewayconfig.PhaseDetection{EventField: "type", EndWhen: []string{"message_stop"}},
		Phases:    map[gatewayconfig.Phase]*modify.Rules{gatewayconfig.PhaseChunk: rules},
	})
	if err != nil {
		t.Fatalf("CompileTransform: %v", err)
	}

	input := `data: {"type":"content_block_delta","raw":"x"}` + "\n\n" +
		`data: {"type":"content_block_delta","raw":"y"}` + "\n\n" +
		`data: {"type":"content_block_delta","raw":"z"}` + "\n\n" +
		`data: {"type":"message_stop"}` + "\n\n" +
		`data: {"type":"should_not_appear"}` + "\n\n"

	emitter := &captureEmitter{}
	if err := Execute(context.Background(), strings.NewReader(input), emitter, ct, nil, exprengine.Context{}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// 3 chunk frames x 2 unwrapped events each, plus the 1 end frame = 7.
	if len(emitter.events) != 7 {
		t.Fatalf("got %d events, want 7 (3 fan-out chunks x2 + 1 end, never the originals)", len(emitter.events))
	}
	for _, raw := range emitter.events[:6] {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if _, ok := m["raw"]; ok {
			t.Fatalf("got %v, want raw removed from every unwrapped event", m)
		}
		if _, ok := m["text"]; !ok {
			t.Fatalf("got %v, want only the unwrapped fan-out events, not the original", m)
		}
	}
}

func TestExecuteStopsAtEndPhase(t *testing.T) {
	ct, err := CompileTransform(&gatewayconfig.StreamTransformRule{
		Detection: gatewayconfig.PhaseDetection{EventField: "type", EndWhen: []string{"message_stop"}},
	})
	if err != nil {
		t.Fatalf("CompileTransform: %v", err)
	}

	input := `data: {"type":"message_stop"}` + "\n\n" +
		`data: {"type":"should_not_appear"}` + "\n\n"

	emitter := &captureEmitter{}
	if err := Execute(context.Background(), strings.NewReader(input), emitter, ct, nil, exprengine.Context{}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("got %d events, want exactly 1 (stream stops at end phase)", len(emitter.events))
	}
}

func TestExecuteSkipPhaseDropsFrame(t *testing.T) {
	ct, err := CompileTransform(&gatewayconfig.StreamTransformRule{
		Detection: gatewayconfig.PhaseDetection{EventField: "type", SkipWhen: []string{"ping"}},
	})
	if err != nil {
		t.Fatalf("CompileTransform: %v", err)
	}

	input := `data: {"type":"ping"}` + "\n\n" +
		`data: {"type":"content_block_delta"}` + "\n\n"

	emitter := &captureEmitter{}
	if err := Execute(context.Background(), strings.NewReader(input), emitter, ct, nil, exprengine.Context{}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("got %d events, want 1 (ping skipped)", len(emitter.events))
	}
}

func TestExecuteRunsPluginChainPerChunk(t *testing.T) {
	ct, err := CompileTransform(nil)
	if err != nil {
		t.Fatalf("CompileTransform: %v", err)
	}

	chain := pluginrt.NewChain(nil, []pluginrt.Plugin{markerPlugin{}}, nil)
	input := `data: {"type":"content_block_delta"}` + "\n\n"

	emitter := &captureEmitter{}
	if err := Execute(context.Background(), strings.NewReader(input), emitter, ct, chain, exprengine.Context{}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("got %d events", len(emitter.events))
	}
	if !strings.Contains(emitter.events[0], "marked") {
		t.Fatalf("got %q, want plugin-marked chunk", emitter.events[0])
	}
}

type markerPlugin struct{}

func (markerPlugin) Name() string { return "marker" }
func (markerPlugin) ProcessStreamChunk(_ context.Context, chunk map[string]any, _ exprengine.Context, _ pluginrt.StreamChunkContext) (pluginrt.StreamChunkResult, error) {
	chunk["marked"] = true
	return pluginrt.StreamChunkResult{Kind: pluginrt.Emit, Events: []map[string]any{chunk}}, nil
}
