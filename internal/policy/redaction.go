package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

var redactions = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{emailPattern, "[REDACTED_EMAIL]"},
	// Cards first so long digit runs are not classified as phone numbers.
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks email addresses, card numbers and phone numbers in student
// transcripts before they are stored.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactPayload returns a copy of a task payload with every string value
// redacted. Nested maps and slices are walked.
func RedactPayload(payload map[string]any) (map[string]any, bool) {
	if payload == nil {
		return nil, false
	}
	out := make(map[string]any, len(payload))
	changed := false
	for k, v := range payload {
		next, c := redactValue(v)
		out[k] = next
		changed = changed || c
	}
	return out, changed
}

func redactValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return RedactPII(val)
	case map[string]any:
		return RedactPayload(val)
	case []any:
		out := make([]any, len(val))
		changed := false
		for i, item := range val {
			next, c := redactValue(item)
			out[i] = next
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
