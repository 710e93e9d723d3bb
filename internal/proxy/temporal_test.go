package proxy

import (
	"strings"
	"testing"
	"time"
)

func TestInjectTemporalContextPrependsSystemMessage(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	messages := []Message{{Role: RoleUser, Content: "hi"}}

	out := InjectTemporalContext(messages, now)

	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Role != RoleSystem || !strings.Contains(out[0].Content, "2026-07-29") {
		t.Fatalf("unexpected prepended message: %+v", out[0])
	}
	if !strings.Contains(out[0].Content, "2026") {
		t.Fatalf("expected year in system message: %+v", out[0])
	}
}

func TestInjectTemporalContextAppendsNoteWhenYearAbsent(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	messages := []Message{{Role: RoleUser, Content: "what's the weather"}}

	out := InjectTemporalContext(messages, now)
	last := out[len(out)-1]
	if !strings.Contains(last.Content, "[System note: current date is 2026-07-29, year 2026]") {
		t.Fatalf("expected appended note, got %q", last.Content)
	}
}

func TestInjectTemporalContextSkipsNoteWhenYearAlreadyPresent(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	messages := []Message{{Role: RoleUser, Content: "remind me it's 2026 already"}}

	out := InjectTemporalContext(messages, now)
	last := out[len(out)-1]
	if last.Content != "remind me it's 2026 already" {
		t.Fatalf("expected unchanged content, got %q", last.Content)
	}
}

func TestInjectTemporalContextSkipsStructuredLastUserMessage(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	messages := []Message{
		{Role: RoleUser, StructContent: []ContentPart{{Type: PartText, Text: "hi"}}},
	}

	out := InjectTemporalContext(messages, now)
	last := out[len(out)-1]
	if !last.IsStructured() {
		t.Fatalf("expected structured content left untouched, got %+v", last)
	}
}

func TestInjectTemporalContextNoUserMessage(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	messages := []Message{{Role: RoleSystem, Content: "setup"}}

	out := InjectTemporalContext(messages, now)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages (prepend only), got %d", len(out))
	}
}
