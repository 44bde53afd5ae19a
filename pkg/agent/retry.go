package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jwebster45206/talemate/pkg/client"
)

// Bounds for the randomness perturbation between accuracy retries.
const (
	temperatureStep    = 0.1
	minTemperature     = 0.1
	maxTemperature     = 2.0
	defaultTemperature = 0.7

	repetitionStep    = 0.05
	minRepetition     = 1.0
	maxRepetition     = 1.3
	defaultRepetition = 1.05
)

// RetryAccuracy calls fn until it stops failing with ErrLLMAccuracy, at most
// attempts+1 times. Each retry gets parameters with jiggled temperature and
// repetition penalty.
func RetryAccuracy(ctx context.Context, attempts int, params client.Parameters, fn func(ctx context.Context, params client.Parameters) error) error {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	current := params.Clone()
	var err error
	for i := 0; i <= attempts; i++ {
		if i > 0 {
			current = Jiggle(current, rng.Float64)
		}
		err = fn(ctx, current)
		if err == nil || !errors.Is(err, ErrLLMAccuracy) {
			return err
		}
		if ctx.Err() != nil {
			return Cause(ctx)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts+1, err)
}

// Jiggle perturbs temperature and repetition penalty within safe bounds.
// rnd returns values in [0,1).
func Jiggle(params client.Parameters, rnd func() float64) client.Parameters {
	out := params.Clone()
	t := out.Float("temperature", defaultTemperature)
	out["temperature"] = clamp(t+(rnd()*2-1)*temperatureStep, minTemperature, maxTemperature)
	rp := out.Float("repetition_penalty", defaultRepetition)
	out["repetition_penalty"] = clamp(rp+(rnd()*2-1)*repetitionStep, minRepetition, maxRepetition)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
