// Package modify implements the declarative add/replace/remove/default
// rule applier (spec.md §4.B) that the route matcher, plugin runtime,
// and SSE stream executor all share.
package modify

import (
	"fmt"

	"github.com/llmgateway/llmgateway/internal/exprengine"
)

// HeaderRules is the raw (uncompiled) header mutation config.
type HeaderRules struct {
	Default map[string]string `yaml:"default,omitempty"`
	Remove  []string          `yaml:"remove,omitempty"`
	Add     map[string]string `yaml:"add,omitempty"`
	Replace map[string]string `yaml:"replace,omitempty"`
}

// BodyRules is the raw (uncompiled) JSON-body mutation config. Keys are
// dotted paths (e.g. "generationConfig.maxOutputTokens"); values are
// either literal YAML scalars/maps or `{{ }}` template strings.
type BodyRules struct {
	Default map[string]any `yaml:"default,omitempty"`
	Remove  []string       `yaml:"remove,omitempty"`
	Add     map[string]any `yaml:"add,omitempty"`
	Replace map[string]any `yaml:"replace,omitempty"`
}

// Rules is one `{ headers?, body? }` modification rule set.
type Rules struct {
	Headers *HeaderRules `yaml:"headers,omitempty"`
	Body    *BodyRules   `yaml:"body,omitempty"`
}

// MultiEventsKey is the reserved body-add key whose value, if present
// after applying body rules, carries a list of events that this single
// logical event should fan out into. The stream executor unwraps it.
const MultiEventsKey = "__multi_events"

// compiledValue is a value with its template pre-compiled (for strings)
// or left as a literal (for everything else — numbers, bools, maps,
// lists that contain no `{{ }}` placeholders at the top level).
type compiledValue struct {
	template *exprengine.Template // non-nil only for string values
	literal  any
}

func compileValue(v any) (compiledValue, error) {
	s, ok := v.(string)
	if !ok {
		return compiledValue{literal: v}, nil
	}
	tpl, err := exprengine.Compile(s)
	if err != nil {
		return compiledValue{}, err
	}
	return compiledValue{template: tpl}, nil
}

func (c compiledValue) eval(ctx exprengine.Context) (any, error) {
	if c.template == nil {
		return c.literal, nil
	}
	return c.template.Eval(ctx)
}

// CompiledHeaderRules is HeaderRules with every add/replace/default value
// pre-compiled. Build once at config-load time; safe for concurrent Eval.
type CompiledHeaderRules struct {
	Default map[string]compiledValue
	Remove  []string
	Add     map[string]compiledValue
	Replace map[string]compiledValue
}

// CompiledBodyRules is BodyRules with every add/replace/default value
// pre-compiled.
type CompiledBodyRules struct {
	Default map[string]compiledValue
	Remove  []string
	Add     map[string]compiledValue
	Replace map[string]compiledValue
}

// CompiledRules is Rules with headers/body pre-compiled.
type CompiledRules struct {
	Headers *CompiledHeaderRules
	Body    *CompiledBodyRules
}

// Compile pre-parses every expression template in r. Returns an
// *exprengine.ExprError wrapped with the offending key if any value
// fails to compile — config loading should treat this as fatal (unlike
// a runtime evaluation failure, which is merely logged and skipped).
func Compile(r *Rules) (*CompiledRules, error) {
	if r == nil {
		return nil, nil
	}
	out := &CompiledRules{}

	if r.Headers != nil {
		ch, err := compileHeaderRules(r.Headers)
		if err != nil {
			return nil, err
		}
		out.Headers = ch
	}
	if r.Body != nil {
		cb, err := compileBodyRules(r.Body)
		if err != nil {
			return nil, err
		}
		out.Body = cb
	}
	return out, nil
}

func compileHeaderRules(r *HeaderRules) (*CompiledHeaderRules, error) {
	out := &CompiledHeaderRules{Remove: append([]string(nil), r.Remove...)}
	var err error
	if out.Default, err = compileStringMap(r.Default); err != nil {
		return nil, fmt.Errorf("headers.default: %w", err)
	}
	if out.Add, err = compileStringMap(r.Add); err != nil {
		return nil, fmt.Errorf("headers.add: %w", err)
	}
	if out.Replace, err = compileStringMap(r.Replace); err != nil {
		return nil, fmt.Errorf("headers.replace: %w", err)
	}
	return out, nil
}

func compileStringMap(m map[string]string) (map[string]compiledValue, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]compiledValue, len(m))
	for k, v := range m {
		cv, err := compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func compileBodyRules(r *BodyRules) (*CompiledBodyRules, error) {
	out := &CompiledBodyRules{Remove: append([]string(nil), r.Remove...)}
	var err error
	if out.Default, err = compileAnyMap(r.Default); err != nil {
		return nil, fmt.Errorf("body.default: %w", err)
	}
	if out.Add, err = compileAnyMap(r.Add); err != nil {
		return nil, fmt.Errorf("body.add: %w", err)
	}
	if out.Replace, err = compileAnyMap(r.Replace); err != nil {
		return nil, fmt.Errorf("body.replace: %w", err)
	}
	return out, nil
}

func compileAnyMap(m map[string]any) (map[string]compiledValue, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]compiledValue, len(m))
	for k, v := range m {
		cv, err := compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}
