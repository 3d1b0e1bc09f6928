package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

// MockAdapter gives deterministic tutor replies for local runs and tests.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := mockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func mockReply(req Request) string {
	switch req.TaskName {
	case protocol.TaskStudentStoppedListening:
		return "Take your time. Hold the button and tell me when you're ready."
	case protocol.TaskStudentSpokeOrActed:
		said := strings.TrimSpace(req.Transcript)
		if said == "" {
			return "I heard you. Can you say a little more?"
		}
		return fmt.Sprintf("I heard you say: %s", said)
	default:
		return "Let's keep going."
	}
}
