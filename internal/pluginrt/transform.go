package pluginrt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/llmgateway/llmgateway/internal/exprengine"
	"github.com/llmgateway/llmgateway/internal/modify"
)

// TransformerConfig is a fully data-driven built-in plugin: field
// renames, a stop-reason mapping, and a token-usage mapping, all
// expressed as a modify.CompiledRules body.add table and run through
// the same §4.B applier every user-configured modification rule uses —
// there is no bespoke per-provider conversion code, matching spec.md §9
// Open Question 2's "no separate built-in transformer code path."
// dropAfterApply lists the stale source keys to delete once the add
// templates (which read them) have run; it can't be folded into the
// applier's own remove list because remove runs before add (spec.md
// §4.B's fixed order) and would erase the source before it is read.
type TransformerConfig struct {
	name           string
	rules          *modify.CompiledRules
	dropAfterApply []string
}

func (t *TransformerConfig) Name() string { return t.name }

// ProcessResponse applies the configured renames and mappings to a
// non-streaming response body in place.
func (t *TransformerConfig) ProcessResponse(_ context.Context, ev *ResponseEvent, ectx exprengine.Context) error {
	if ev.Body == nil {
		return nil
	}
	bodyCtx := ectx
	bodyCtx.Body = ev.Body
	modify.ApplyBody(t.rules.Body, ev.Body, bodyCtx, nil)
	modify.RemovePaths(ev.Body, t.dropAfterApply)
	return nil
}

// ProcessStreamChunk applies the same renames/mappings to each decoded
// SSE data chunk.
func (t *TransformerConfig) ProcessStreamChunk(_ context.Context, chunk map[string]any, ectx exprengine.Context, _ StreamChunkContext) (StreamChunkResult, error) {
	chunkCtx := ectx
	chunkCtx.Body = chunk
	modify.ApplyBody(t.rules.Body, chunk, chunkCtx, nil)
	modify.RemovePaths(chunk, t.dropAfterApply)
	return StreamChunkResult{Kind: Emit, Events: []map[string]any{chunk}}, nil
}

// ternaryChain builds a `{{ }}` template string that maps srcExpr's
// value through mapping via a chain of expr ternaries, falling back to
// fallback when no entry matches — the declarative equivalent of the
// old stopReasonMapping.convert switch.
func ternaryChain(srcExpr string, mapping map[string]string, fallback string) string {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s == %q ? %q : ", srcExpr, k, mapping[k])
	}
	fmt.Fprintf(&b, "%q", fallback)
	return "{{ " + b.String() + " }}"
}

// buildTransformer compiles one provider-pair's rename/stop-reason/
// usage mapping into a single add-only modify.CompiledRules plus the
// list of now-stale source keys to drop once it has run.
func buildTransformer(name string, fieldRenames map[string]string, stopReasonField, stopReasonTarget string, stopMap map[string]string, stopFallback, usageField, usageTarget, usageSrcIn, usageSrcOut, usageDstIn, usageDstOut string) *TransformerConfig {
	add := map[string]any{}
	var drop []string

	for from, to := range fieldRenames {
		add[to] = fmt.Sprintf("{{ body.%s }}", from)
		if from != to {
			drop = append(drop, from)
		}
	}

	if stopReasonField != "" {
		add[stopReasonTarget] = ternaryChain("body."+stopReasonField, stopMap, stopFallback)
		if stopReasonField != stopReasonTarget {
			drop = append(drop, stopReasonField)
		}
	}

	if usageField != "" {
		inSrc, outSrc := usageField+"."+usageSrcIn, usageField+"."+usageSrcOut
		inDst, outDst := usageTarget+"."+usageDstIn, usageTarget+"."+usageDstOut
		add[inDst] = fmt.Sprintf("{{ body.%s }}", inSrc)
		add[outDst] = fmt.Sprintf("{{ body.%s }}", outSrc)
		if usageField != usageTarget {
			drop = append(drop, usageField)
		} else {
			if inSrc != inDst {
				drop = append(drop, inSrc)
			}
			if outSrc != outDst {
				drop = append(drop, outSrc)
			}
		}
	}

	compiled, err := modify.Compile(&modify.Rules{Body: &modify.BodyRules{Add: add}})
	if err != nil {
		panic(fmt.Sprintf("compiling built-in transformer %q: %v", name, err))
	}
	return &TransformerConfig{name: name, rules: compiled, dropAfterApply: drop}
}

// BuiltinTransformers returns the six provider-pair transformers the
// gateway ships out of the box, keyed by "<source>-to-<target>"
// (spec.md SUPPLEMENTED FEATURES).
func BuiltinTransformers() map[string]*TransformerConfig {
	anthropicToOpenAI := buildTransformer(
		"anthropic-to-openai",
		map[string]string{"content": "choices"},
		"stop_reason", "finish_reason",
		map[string]string{"end_turn": "stop", "max_tokens": "length", "tool_use": "tool_calls", "stop_sequence": "stop"},
		"stop",
		"usage", "usage", "input_tokens", "output_tokens", "prompt_tokens", "completion_tokens",
	)

	openAIToAnthropic := buildTransformer(
		"openai-to-anthropic",
		map[string]string{"choices": "content"},
		"finish_reason", "stop_reason",
		map[string]string{"stop": "end_turn", "length": "max_tokens", "tool_calls": "tool_use", "function_call": "tool_use", "content_filter": "stop_sequence"},
		"end_turn",
		"usage", "usage", "prompt_tokens", "completion_tokens", "input_tokens", "output_tokens",
	)

	anthropicToGemini := buildTransformer(
		"anthropic-to-gemini",
		map[string]string{"content": "candidates"},
		"stop_reason", "finishReason",
		map[string]string{"end_turn": "STOP", "max_tokens": "MAX_TOKENS", "tool_use": "STOP"},
		"STOP",
		"usage", "usageMetadata", "input_tokens", "output_tokens", "promptTokenCount", "candidatesTokenCount",
	)

	geminiToAnthropic := buildTransformer(
		"gemini-to-anthropic",
		map[string]string{"candidates": "content"},
		"finishReason", "stop_reason",
		map[string]string{"STOP": "end_turn", "MAX_TOKENS": "max_tokens"},
		"end_turn",
		"usageMetadata", "usage", "promptTokenCount", "candidatesTokenCount", "input_tokens", "output_tokens",
	)

	openAIToGemini := buildTransformer(
		"openai-to-gemini",
		map[string]string{"choices": "candidates"},
		"finish_reason", "finishReason",
		map[string]string{"stop": "STOP", "length": "MAX_TOKENS", "tool_calls": "STOP"},
		"STOP",
		"usage", "usageMetadata", "prompt_tokens", "completion_tokens", "promptTokenCount", "candidatesTokenCount",
	)

	geminiToOpenAI := buildTransformer(
		"gemini-to-openai",
		map[string]string{"candidates": "choices"},
		"finishReason", "finish_reason",
		map[string]string{"STOP": "stop", "MAX_TOKENS": "length"},
		"stop",
		"usageMetadata", "usage", "promptTokenCount", "candidatesTokenCount", "prompt_tokens", "completion_tokens",
	)

	return map[string]*TransformerConfig{
		anthropicToOpenAI.name: anthropicToOpenAI,
		openAIToAnthropic.name: openAIToAnthropic,
		anthropicToGemini.name: anthropicToGemini,
		geminiToAnthropic.name: geminiToAnthropic,
		openAIToGemini.name:    openAIToGemini,
		geminiToOpenAI.name:    geminiToOpenAI,
	}
}
