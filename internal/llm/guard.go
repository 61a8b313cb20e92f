package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type GuardConfig struct {
	RPS          float64
	Burst        int
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	// MinRequests is the sample size before FailureRatio can trip the breaker.
	MinRequests uint32
}

// Guard protects a provider with a token bucket and a circuit breaker.
type Guard struct {
	next    Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewGuard(next Provider, cfg GuardConfig, logger zerolog.Logger) *Guard {
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 3
	}
	log := logger.With().Str("component", "llm_guard").Logger()
	settings := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Guard{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *Guard) Complete(ctx context.Context, req Request) (Response, error) {
	if !g.limiter.Allow() {
		return Response{}, ErrRateLimited
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return Response{}, err
	}
	return out.(Response), nil
}

func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}
