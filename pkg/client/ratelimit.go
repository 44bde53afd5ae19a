package client

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles Generate calls of the wrapped client.
type RateLimited struct {
	Client
	limiter *rate.Limiter
}

var _ Client = (*RateLimited)(nil)

// NewRateLimited allows perSecond generations with a burst of one.
// A non-positive rate disables throttling.
func NewRateLimited(c Client, perSecond float64) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimited{Client: c, limiter: rate.NewLimiter(limit, 1)}
}

// Generate waits for the limiter before delegating.
func (r *RateLimited) Generate(ctx context.Context, prompt string, params Parameters, kind Kind) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed waiting for rate limit: %w", err)
	}
	return r.Client.Generate(ctx, prompt, params, kind)
}

// AbortGeneration forwards to the wrapped client when supported.
func (r *RateLimited) AbortGeneration(ctx context.Context) error {
	return Abort(ctx, r.Client)
}
