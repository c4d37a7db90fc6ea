// Package sse implements the streaming response executor (spec.md
// §4.G): SSE frame parsing, phase detection, the per-chunk plugin
// pipeline, and final flush.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Frame is one parsed SSE frame: an optional event name and its data
// payload. Both the Anthropic convention (`event:`+`data:` pairs) and
// the OpenAI/plain convention (`data:` only) are supported.
type Frame struct {
	Event string
	Data  string
}

// DoneSentinel is the literal payload OpenAI-style streams send to mark
// end of stream, in place of a terminal named event.
const DoneSentinel = "[DONE]"

// ParseFrames reads SSE frames from r, splitting on blank lines exactly
// as spec.md §4.G and the teacher's sse_parser.go do, and invokes fn on
// each frame as soon as its blank-line terminator is seen — the stream
// executor processes and emits a frame immediately rather than waiting
// for upstream EOF (spec.md §9 Design Notes: incremental, not
// buffer-then-replay). fn returns stop=true to end parsing early (the
// executor does this once a configured end-phase frame is reached)
// without reading the rest of r. The parser does not decide termination
// itself — the caller inspects each
// Frame's Data against DoneSentinel and the configured end-phase rules,
// since termination conditions are configurable per route here, not
// hardcoded to one API's vocabulary.
func ParseFrames(r io.Reader, fn func(Frame) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var event, data strings.Builder
	haveData := false

	flush := func() (bool, error) {
		if !haveData {
			return false, nil
		}
		f := Frame{Event: event.String(), Data: data.String()}
		event.Reset()
		data.Reset()
		haveData = false
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			stop, err := flush()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if haveData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			haveData = true
		}
	}
	if _, err := flush(); err != nil {
		return err
	}

	return scanner.Err()
}

// DecodeData parses a Frame's Data as JSON into a body map. Returns
// (nil, false) for the DoneSentinel or malformed JSON, signalling the
// caller to treat the frame as non-JSON control data rather than a
// modifiable chunk.
func DecodeData(data string) (map[string]any, bool) {
	if data == DoneSentinel {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, false
	}
	return m, true
}
