package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback != nil {
			return a.fallback.Respond(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback adapter misconfigured")
	}

	// Once the primary has streamed something the caller has seen partial
	// text; falling back would duplicate the reply.
	streamed := false
	resp, err := a.primary.Respond(ctx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if a.fallback == nil || streamed {
		return Response{}, err
	}

	log.Printf("agent: primary adapter failed for task %s: %v; using fallback", req.TaskID, err)
	fallbackResp, fallbackErr := a.fallback.Respond(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
