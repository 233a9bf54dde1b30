package llm

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter attempts the streaming primary first and retries once on
// the stateless fallback. There is no backoff and no second retry: a failure
// of both paths is the turn's failure.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter {
	if a == nil {
		return nil
	}
	return a.fallback
}

func (a *FallbackAdapter) StreamTurn(ctx context.Context, req TurnRequest, onDelta DeltaHandler) (TurnResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			resp, err := a.fallback.StreamTurn(ctx, req, onDelta)
			resp.Fallback = true
			return resp, err
		}
		return TurnResponse{}, fmt.Errorf("fallback adapter misconfigured")
	}

	resp, err := a.primary.StreamTurn(ctx, req, onDelta)
	if err == nil {
		return resp, nil
	}
	// A cancelled caller is not a provider failure; don't burn the fallback
	// on it.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TurnResponse{}, err
	}
	if a.fallback == nil {
		return TurnResponse{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamTurn(ctx, req, onDelta)
	if fallbackErr != nil {
		return TurnResponse{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	fallbackResp.Fallback = true
	return fallbackResp, nil
}
