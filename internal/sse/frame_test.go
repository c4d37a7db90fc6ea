package sse

import (
	"strings"
	"testing"
)

// collectFrames drains ParseFrames' callback API into a slice for
// tests that just want to assert on the full frame set.
func collectFrames(t *testing.T, input string) []Frame {
	t.Helper()
	var frames []Frame
	err := ParseFrames(strings.NewReader(input), func(f Frame) (bool, error) {
		frames = append(frames, f)
		return false, nil
	})
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	return frames
}

func TestParseFramesAnthropicStyle(t *testing.T) {
	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	frames := collectFrames(t, input)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Event != "message_start" {
		t.Fatalf("got %q", frames[0].Event)
	}
}

func TestParseFramesOpenAIStyleNoEventLine(t *testing.T) {
	input := "data: {\"id\":\"chatcmpl-1\"}\n\ndata: [DONE]\n\n"

	frames := collectFrames(t, input)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Data != DoneSentinel {
		t.Fatalf("got %q, want [DONE]", frames[1].Data)
	}
}

func TestParseFramesMultilineData(t *testing.T) {
	input := "data: line1\ndata: line2\n\n"
	frames := collectFrames(t, input)
	if len(frames) != 1 || frames[0].Data != "line1\nline2" {
		t.Fatalf("got %+v", frames)
	}
}

func TestParseFramesStopHaltsBeforeLaterFrames(t *testing.T) {
	input := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\n"

	var seen []Frame
	err := ParseFrames(strings.NewReader(input), func(f Frame) (bool, error) {
		seen = append(seen, f)
		return len(seen) == 2, nil
	})
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("got %d frames delivered, want exactly 2 (stop requested after the 2nd)", len(seen))
	}
}

func TestDecodeDataRejectsDoneSentinel(t *testing.T) {
	if _, ok := DecodeData(DoneSentinel); ok {
		t.Fatal("expected DecodeData to reject [DONE]")
	}
}

func TestDecodeDataParsesJSON(t *testing.T) {
	m, ok := DecodeData(`{"type":"content_block_delta","index":0}`)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if m["type"] != "content_block_delta" {
		t.Fatalf("got %#v", m)
	}
}
