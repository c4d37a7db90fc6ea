// Package route implements the route matcher and path rewriter
// (spec.md §4.C): longest-prefix-wins route selection, followed by an
// ordered chain of regex rewrite rules applied to the matched path.
package route

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

// CompiledRewrite is a RewriteRule with its pattern pre-compiled.
// regexp2 (not Go's RE2-based regexp) is used because path-rewrite
// patterns may need lookaround, e.g. `(?<=/v1)/messages`.
type CompiledRewrite struct {
	pattern *regexp2.Regexp
	replace string
}

// CompiledRoute is a gatewayconfig.Route with its rewrite chain
// pre-compiled. Build once at config-load time; Match/Rewrite are safe
// for concurrent use.
type CompiledRoute struct {
	Route    *gatewayconfig.Route
	Rewrites []CompiledRewrite
}

// Table is the compiled, ordered set of routes a Matcher selects from.
type Table struct {
	routes []*CompiledRoute
}

// Compile builds a Table from raw config routes, pre-compiling every
// rewrite rule's regexp2 pattern. Declaration order is preserved — it
// is the tiebreaker when two routes share a path prefix length.
func Compile(routes []gatewayconfig.Route) (*Table, error) {
	t := &Table{}
	for i := range routes {
		r := &routes[i]
		cr := &CompiledRoute{Route: r}
		for _, rw := range r.Rewrites {
			re, err := regexp2.Compile(rw.Pattern, regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("route %q: invalid rewrite pattern %q: %w", r.Path, rw.Pattern, err)
			}
			cr.Rewrites = append(cr.Rewrites, CompiledRewrite{pattern: re, replace: rw.Replace})
		}
		t.routes = append(t.routes, cr)
	}
	return t, nil
}

// Match returns the CompiledRoute whose Path is the longest prefix of
// requestPath, breaking ties by earlier declaration order (spec.md
// §4.C). Returns nil if no route's path prefixes requestPath.
func (t *Table) Match(requestPath string) *CompiledRoute {
	candidates := make([]*CompiledRoute, 0, len(t.routes))
	for _, r := range t.routes {
		if strings.HasPrefix(requestPath, r.Route.Path) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Stable sort by descending prefix length; equal-length prefixes
	// keep their original (declaration) relative order courtesy of
	// sort.SliceStable, giving first-declared priority on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Route.Path) > len(candidates[j].Route.Path)
	})
	return candidates[0]
}

// Rewrite applies cr's rewrite chain to path in declared order. The
// first rule whose pattern matches rewrites the path and rewriting
// stops — later rules are not tried against the result (spec.md §4.C).
// A path with no matching rule is returned unchanged.
func (cr *CompiledRoute) Rewrite(path string) (string, error) {
	for _, rw := range cr.Rewrites {
		m, err := rw.pattern.FindStringMatch(path)
		if err != nil {
			return "", fmt.Errorf("evaluating rewrite pattern: %w", err)
		}
		if m == nil {
			continue
		}
		out, err := rw.pattern.Replace(path, rw.replace, 0, 1)
		if err != nil {
			return "", fmt.Errorf("applying rewrite replacement: %w", err)
		}
		return out, nil
	}
	return path, nil
}
