package sse

import (
	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

// classifier pre-compiles a PhaseDetection config into lookup sets so
// Detect is O(1) per frame instead of scanning slices.
type classifier struct {
	eventField string
	start      map[string]bool
	end        map[string]bool
	skip       map[string]bool
	hasStart   bool
}

func newClassifier(d gatewayconfig.PhaseDetection) *classifier {
	c := &classifier{
		eventField: d.EventField,
		start:      toSet(d.StartWhen),
		end:        toSet(d.EndWhen),
		skip:       toSet(d.SkipWhen),
	}
	c.hasStart = len(c.start) > 0
	return c
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// key extracts the discriminator value from a frame: the
// `event:` line if EventField is set to a sentinel meaning "use the
// frame's event name" (empty string), else the named field inside the
// decoded data JSON.
func (c *classifier) key(frame Frame, data map[string]any) (string, bool) {
	if c.eventField == "" {
		return frame.Event, true
	}
	if data == nil {
		return "", false
	}
	v, ok := data[c.eventField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Detect classifies one frame into a Phase, per spec.md §4.G:
//   - skipWhen match -> PhaseSkip (the frame is dropped entirely, no
//     plugin pipeline runs over it)
//   - endWhen match -> PhaseEnd
//   - startWhen match, OR this is the first frame of the stream and a
//     start rule exists for the phase rule set -> PhaseStart (the first
//     frame commits to "start" whenever the route declares any start
//     rule at all, even if its own key doesn't literally match one)
//   - otherwise -> PhaseChunk
func (c *classifier) Detect(frame Frame, data map[string]any, isFirst bool) gatewayconfig.Phase {
	key, ok := c.key(frame, data)

	if ok && c.skip[key] {
		return gatewayconfig.PhaseSkip
	}
	if ok && c.end[key] {
		return gatewayconfig.PhaseEnd
	}
	if ok && c.start[key] {
		return gatewayconfig.PhaseStart
	}
	if isFirst && c.hasStart {
		return gatewayconfig.PhaseStart
	}
	return gatewayconfig.PhaseChunk
}
