package sse

import (
	"testing"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

func TestDetectFirstFrameIsStartWhenStartRuleExists(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{
		StartWhen: []string{"message_start"},
	})

	// The first frame's own event name does not literally match any
	// startWhen entry, but because a start rule exists for this phase
	// set, the first frame still commits to PhaseStart.
	got := c.Detect(Frame{Event: "ping"}, nil, true)
	if got != gatewayconfig.PhaseStart {
		t.Fatalf("got %v, want PhaseStart for first frame with a start rule configured", got)
	}
}

func TestDetectNonFirstFrameFallsBackToChunk(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{
		StartWhen: []string{"message_start"},
	})
	got := c.Detect(Frame{Event: "ping"}, nil, false)
	if got != gatewayconfig.PhaseChunk {
		t.Fatalf("got %v, want PhaseChunk", got)
	}
}

func TestDetectNoStartRuleFirstFrameIsChunk(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{})
	got := c.Detect(Frame{Event: "message_start"}, nil, true)
	if got != gatewayconfig.PhaseChunk {
		t.Fatalf("got %v, want PhaseChunk (no start rule declared at all)", got)
	}
}

func TestDetectEndWhenMatchesEventField(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{EndWhen: []string{"message_stop"}})
	got := c.Detect(Frame{Event: "message_stop"}, nil, false)
	if got != gatewayconfig.PhaseEnd {
		t.Fatalf("got %v, want PhaseEnd", got)
	}
}

func TestDetectSkipWhenMatchesDataField(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{
		EventField: "type",
		SkipWhen:   []string{"ping"},
	})
	got := c.Detect(Frame{}, map[string]any{"type": "ping"}, false)
	if got != gatewayconfig.PhaseSkip {
		t.Fatalf("got %v, want PhaseSkip", got)
	}
}

func TestDetectDataFieldKeyLookup(t *testing.T) {
	c := newClassifier(gatewayconfig.PhaseDetection{
		EventField: "type",
		StartWhen:  []string{"message_start"},
		EndWhen:    []string{"message_stop"},
	})

	got := c.Detect(Frame{}, map[string]any{"type": "message_stop"}, false)
	if got != gatewayconfig.PhaseEnd {
		t.Fatalf("got %v, want PhaseEnd", got)
	}

	got = c.Detect(Frame{}, map[string]any{"type": "content_block_delta"}, false)
	if got != gatewayconfig.PhaseChunk {
		t.Fatalf("got %v, want PhaseChunk", got)
	}
}
