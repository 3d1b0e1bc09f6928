package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is the task handed to the tutor agent after a push-to-talk turn.
type Request struct {
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Transcript string         `json:"transcript,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Response is the final reply after any streamed deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter produces the tutor's reply to a dispatched task.
type Adapter interface {
	Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

type Config struct {
	Mode    string
	HTTPURL string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallbackAdapter(NewHTTPAdapter(cfg.HTTPURL), NewMockAdapter()), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported agent adapter mode %q", cfg.Mode)
	}
}
