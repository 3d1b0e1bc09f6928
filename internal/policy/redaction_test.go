package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "My mum's email is mum@example.com, call +1 (555) 123-9876, card 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainSpeech(t *testing.T) {
	input := "I think the answer is seven times eight"
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("RedactPII(%q) = %q, %v", input, out, changed)
	}
}

func TestRedactPayload(t *testing.T) {
	in := map[string]any{
		"transcript": "write to kid@example.com",
		"turn":       3,
		"nested": map[string]any{
			"notes": []any{"plain", "dial 555-123-98765"},
		},
	}
	out, changed := RedactPayload(in)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if out["transcript"] != "write to [REDACTED_EMAIL]" {
		t.Fatalf("transcript = %v", out["transcript"])
	}
	if out["turn"] != 3 {
		t.Fatalf("turn = %v, want 3", out["turn"])
	}
	notes := out["nested"].(map[string]any)["notes"].([]any)
	if notes[0] != "plain" || !strings.Contains(notes[1].(string), "[REDACTED_PHONE]") {
		t.Fatalf("notes = %v", notes)
	}
	if in["transcript"] != "write to kid@example.com" {
		t.Fatalf("input payload was modified")
	}
}

func TestRedactPayloadNil(t *testing.T) {
	out, changed := RedactPayload(nil)
	if out != nil || changed {
		t.Fatalf("RedactPayload(nil) = %v, %v", out, changed)
	}
}
