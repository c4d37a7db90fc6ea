package orchestrator

import (
	"sync"

	"github.com/gobwas/glob"
)

// globCache avoids recompiling the same header-match glob pattern on
// every response, since responseMatches runs on every forwarded reply.
var (
	globCacheMu sync.Mutex
	globCache   = map[string]glob.Glob{}
)

// globCompile compiles pattern (ResponseRule.match.headers value, e.g.
// "text/event-stream*") into a cached glob.Glob, grounded on the
// teacher's matcher.go use of gobwas/glob for wildcard header values.
func globCompile(pattern string) (glob.Glob, error) {
	globCacheMu.Lock()
	defer globCacheMu.Unlock()
	if g, ok := globCache[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	globCache[pattern] = g
	return g, nil
}
