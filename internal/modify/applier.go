package modify

import (
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/llmgateway/llmgateway/internal/exprengine"
)

// ApplyHeaders mutates headers in place, in the fixed order default,
// remove, add, replace (spec.md §4.B). Header names are matched
// case-insensitively via textproto canonicalization, same as
// net/http.Header itself. An expression failure on a single key is
// logged and that key is skipped; every other key still applies.
func ApplyHeaders(rules *CompiledHeaderRules, headers http.Header, ctx exprengine.Context, log *slog.Logger) {
	if rules == nil {
		return
	}

	for key, cv := range rules.Default {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if headers.Get(canon) != "" {
			continue
		}
		setHeader(headers, canon, cv, ctx, log)
	}

	for _, key := range rules.Remove {
		headers.Del(textproto.CanonicalMIMEHeaderKey(key))
	}

	for key, cv := range rules.Add {
		setHeader(headers, textproto.CanonicalMIMEHeaderKey(key), cv, ctx, log)
	}

	for key, cv := range rules.Replace {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if headers.Get(canon) == "" {
			continue
		}
		setHeader(headers, canon, cv, ctx, log)
	}
}

func setHeader(headers http.Header, canon string, cv compiledValue, ctx exprengine.Context, log *slog.Logger) {
	v, err := cv.eval(ctx)
	if err != nil {
		logExprError(log, canon, err)
		return
	}
	headers.Set(canon, exprengine.Stringify(v))
}

// ApplyBody mutates body (a parsed JSON object) in place, in the order
// default, remove, add, replace, using dotted paths
// ("generationConfig.maxOutputTokens"). If the add phase sets the
// reserved MultiEventsKey, its value is extracted, removed from body,
// and returned to the caller so the response/stream emitter can unwrap
// it into N output events.
func ApplyBody(rules *CompiledBodyRules, body map[string]any, ctx exprengine.Context, log *slog.Logger) []any {
	if rules == nil {
		return nil
	}

	for path, cv := range rules.Default {
		if _, ok := getPath(body, path); ok {
			continue
		}
		setBodyPath(body, path, cv, ctx, log)
	}

	for _, path := range rules.Remove {
		deletePath(body, path)
	}

	for path, cv := range rules.Add {
		setBodyPath(body, path, cv, ctx, log)
	}

	for path, cv := range rules.Replace {
		if _, ok := getPath(body, path); !ok {
			continue
		}
		setBodyPath(body, path, cv, ctx, log)
	}

	if raw, ok := body[MultiEventsKey]; ok {
		delete(body, MultiEventsKey)
		if list, ok := raw.([]any); ok {
			return list
		}
	}
	return nil
}

// RemovePaths deletes each dotted path from body. Exported so the SSE
// executor can re-apply a phase's remove list to every event a
// __multi_events fan-out produces (spec.md §4.G), since ApplyBody only
// removes paths from the single logical event it was called with.
func RemovePaths(body map[string]any, paths []string) {
	for _, p := range paths {
		deletePath(body, p)
	}
}

func setBodyPath(body map[string]any, path string, cv compiledValue, ctx exprengine.Context, log *slog.Logger) {
	v, err := cv.eval(ctx)
	if err != nil {
		logExprError(log, path, err)
		return
	}
	setPath(body, path, v)
}

func logExprError(log *slog.Logger, key string, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Warn("expression evaluation failed, skipping key", "key", key, "error", err)
}

// getPath reads a dotted path from a nested map[string]any tree.
func getPath(body map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = body
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a dotted path into a nested map[string]any tree,
// creating intermediate maps as needed.
func setPath(body map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := body
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}

// deletePath removes a dotted path from a nested map[string]any tree.
// Missing intermediate segments are a no-op, not an error.
func deletePath(body map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := body
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}
