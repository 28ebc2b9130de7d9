// Package resilience wraps outbound platform calls with rate limiting, a circuit breaker
// and exponential-backoff retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timed out")
	// ErrExhaustedRetries indicates retry attempts were exhausted
	ErrExhaustedRetries = errors.New("retry attempts exhausted")
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of CircuitState
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF-OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

func mapState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Timeout bounds a single call when the caller's context has no deadline.
	Timeout time.Duration
	// HalfOpenLimit is the number of trial calls allowed while half-open.
	HalfOpenLimit int
	// OpenInterval is how long the circuit stays open before trying again.
	OpenInterval time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts every error.
	IsFailure func(error) bool
}

// CircuitBreaker implements the circuit breaker pattern using gobreaker
type CircuitBreaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = 1
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Timeout:     cfg.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				"name", name,
				"from", mapState(from),
				"to", mapState(to),
			)
		},
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}

	return &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return mapState(cb.cb.State())
}

// Execute runs an operation through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		err := operation(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	})
	return err
}
