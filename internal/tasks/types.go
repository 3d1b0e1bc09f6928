package tasks

import (
	"time"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusAnswered   Status = "answered"
	StatusFailed     Status = "failed"
)

// Task is one agent task dispatched at the end of a push-to-talk turn.
type Task struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
	Transcript  string         `json:"transcript,omitempty"`
	PIIRedacted bool           `json:"pii_redacted"`
	Status      Status         `json:"status"`
	Reply       string         `json:"reply,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// KnownName reports whether name is a task the push-to-talk flow dispatches.
func KnownName(name string) bool {
	switch name {
	case protocol.TaskStudentSpokeOrActed, protocol.TaskStudentStoppedListening:
		return true
	default:
		return false
	}
}

func (t Task) Clone() Task {
	out := t
	if t.Payload != nil {
		out.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
