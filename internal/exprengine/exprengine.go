// Package exprengine evaluates the gateway's `{{ … }}` template language.
//
// A template is plain text with zero or more `{{ expr }}` placeholders.
// A template that is exactly one placeholder (no surrounding text)
// evaluates to the raw value the expression produces — a number, bool,
// map, or slice — so that e.g. `{{ body.usage.total_tokens }}` can feed
// a JSON body field of the matching type. Any other template evaluates
// to a string, with each placeholder's value converted to text and
// spliced into the surrounding literal text.
//
// Expressions are compiled once (at config-load time, by the caller)
// and cached on the Template value; Eval only walks the cached AST.
// There is no I/O and no clock: the only source of non-determinism is
// the `crypto.randomUUID()` builtin.
package exprengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
)

// ExprError wraps a template compilation or evaluation failure.
// Callers log it and treat the value as undefined, per spec.
type ExprError struct {
	Template string
	Err      error
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Template, e.Err)
}

func (e *ExprError) Unwrap() error { return e.Err }

// URLContext is the `url` identifier exposed to templates.
type URLContext struct {
	Pathname string
	Search   string
	Host     string
	Protocol string
}

// StreamContext is the `stream` identifier, present only while evaluating
// a rule inside the SSE stream executor.
type StreamContext struct {
	ChunkIndex int
}

// Context is the evaluation context: `env`, `headers`, `body`, `url`, and
// `method` are always present; `stream` is nil outside the stream
// executor.
type Context struct {
	Env     map[string]string
	Headers map[string]string
	Body    any
	URL     URLContext
	Method  string
	Stream  *StreamContext
}

func (c Context) toEnv() map[string]any {
	streamEnv := map[string]any{"chunkIndex": 0}
	if c.Stream != nil {
		streamEnv["chunkIndex"] = c.Stream.ChunkIndex
	}
	return map[string]any{
		"env":     stringMapToAny(c.Env),
		"headers": stringMapToAny(c.Headers),
		"body":    c.Body,
		"url": map[string]any{
			"pathname": c.URL.Pathname,
			"search":   c.URL.Search,
			"host":     c.URL.Host,
			"protocol": c.URL.Protocol,
		},
		"method": c.Method,
		"stream": streamEnv,
		"crypto": map[string]any{
			"randomUUID": func() string { return uuid.NewString() },
		},
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// segment is one piece of a compiled template: either literal text or a
// compiled expression program.
type segment struct {
	literal string
	program *vm.Program
	source  string
}

// Template is a pre-parsed, cacheable template. Compile it once (at
// config-apply time) and call Eval per request.
type Template struct {
	source   string
	segments []segment
	// single is true when the entire template is exactly one `{{ }}`
	// placeholder with no surrounding text — Eval then returns the raw
	// evaluated value instead of a string.
	single bool
}

// Source returns the original, uncompiled template text.
func (t *Template) Source() string { return t.source }

// Compile parses a template and compiles every `{{ expr }}` placeholder
// it contains. Placeholders do not nest; `{{` and `}}` are matched
// left-to-right.
func Compile(src string) (*Template, error) {
	segments, single, err := parse(src)
	if err != nil {
		return nil, &ExprError{Template: src, Err: err}
	}
	return &Template{source: src, segments: segments, single: single}, nil
}

// MustCompile is Compile but panics on error — useful for built-in
// transformer rule tables assembled at init time from literal strings.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

func parse(src string) ([]segment, bool, error) {
	var segments []segment
	i := 0
	for i < len(src) {
		start := strings.Index(src[i:], "{{")
		if start < 0 {
			segments = append(segments, segment{literal: src[i:]})
			break
		}
		start += i
		if start > i {
			segments = append(segments, segment{literal: src[i:start]})
		}
		end := strings.Index(src[start:], "}}")
		if end < 0 {
			return nil, false, fmt.Errorf("unterminated {{ in template at offset %d", start)
		}
		end += start
		exprSrc := strings.TrimSpace(src[start+2 : end])
		prog, err := expr.Compile(exprSrc, expr.AllowUndefinedVariables(), expr.Env(map[string]any{}))
		if err != nil {
			return nil, false, fmt.Errorf("compiling %q: %w", exprSrc, err)
		}
		segments = append(segments, segment{program: prog, source: exprSrc})
		i = end + 2
	}

	single := len(segments) == 1 && segments[0].program != nil
	return segments, single, nil
}

// Eval evaluates the template against ctx. A single-placeholder template
// returns the raw value; any other template returns a string.
func (t *Template) Eval(ctx Context) (any, error) {
	env := ctx.toEnv()

	if t.single {
		out, err := expr.Run(t.segments[0].program, env)
		if err != nil {
			return nil, &ExprError{Template: t.segments[0].source, Err: err}
		}
		return out, nil
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.program == nil {
			b.WriteString(seg.literal)
			continue
		}
		out, err := expr.Run(seg.program, env)
		if err != nil {
			return nil, &ExprError{Template: seg.source, Err: err}
		}
		b.WriteString(Stringify(out))
	}
	return b.String(), nil
}

// Stringify renders an evaluated expression value the way a template
// literal would: no quotes around strings, compact JSON for structures.
// Exported so callers (e.g. the modification applier) can render a
// raw-valued single-expression result as a header string.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	}
}
