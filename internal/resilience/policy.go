package resilience

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"
)

// Policy applies, in order, a rate limit, retries and a circuit breaker to every call.
// One policy is shared by all calls to a single upstream account.
type Policy struct {
	limiter *rate.Limiter
	breaker *CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger
}

// PolicyConfig configures a Policy.
type PolicyConfig struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	Breaker           BreakerConfig
	Retry             RetryConfig
}

// NewPolicy creates a policy. A non-positive rate disables limiting.
func NewPolicy(cfg PolicyConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "resilience", "name", cfg.Name)

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.Name
	}

	return &Policy{
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewCircuitBreaker(cfg.Breaker, logger),
		retry:   cfg.Retry,
		logger:  logger,
	}
}

// Do runs operation under the policy.
func (p *Policy) Do(ctx context.Context, operation func(context.Context) error) error {
	return WithRetry(ctx, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		return p.breaker.Execute(ctx, operation)
	}, p.retry, p.logger)
}

// State returns the state of the policy's circuit breaker.
func (p *Policy) State() CircuitState {
	return p.breaker.State()
}
