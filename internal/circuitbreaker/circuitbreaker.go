package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/worker"
)

// State mirrors the gobreaker states for callers that should not import it.
//
// State transitions:
//
//	Closed -> Open:      When consecutive transient failures >= MaxFailures
//	Open -> HalfOpen:    After RecoveryTimeout expires
//	HalfOpen -> Closed:  When the trial requests succeed
//	HalfOpen -> Open:    When a trial request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateHalfOpen              // Recovery trial
	StateOpen                  // Circuit tripped - requests fail fast
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// errTransient marks a transient outcome so gobreaker counts it as a failure.
var errTransient = errors.New("transient provider failure")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies the channel ("email", "whatsapp", "voice").
	Name string

	// MaxFailures is the number of consecutive transient failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the defaults used by the gateway.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker guards one provider channel. Only transient outcomes trip it:
// an invalid request or a restricted recipient says nothing about the
// provider's health.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[worker.Outcome]
	config Config
	logger *zap.Logger
}

// New creates a breaker and publishes its state as a gauge.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	b := &Breaker{config: cfg, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[worker.Outcome](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMaxRequests),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: b.onStateChange,
	})
	metrics.SetCircuitState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.SetCircuitState(name, int(fromGobreaker(to)))

	fields := []zap.Field{
		zap.String("name", name),
		zap.String("from", fromGobreaker(from).String()),
		zap.String("to", fromGobreaker(to).String()),
	}
	if to == gobreaker.StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
		return
	}
	b.logger.Info("circuit breaker state transition", fields...)
}

// Do runs send through the breaker. When the circuit is open, or the
// half-open trial slots are taken, it returns a transient outcome without
// calling the provider.
func (b *Breaker) Do(send func() worker.Outcome) worker.Outcome {
	out, err := b.cb.Execute(func() (worker.Outcome, error) {
		out := send()
		if out.Kind == worker.Transient {
			return out, errTransient
		}
		return out, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("circuit breaker rejected request", zap.String("name", b.config.Name))
		return worker.TransientFailure("circuit open")
	}
	return out
}

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the channel the breaker guards.
func (b *Breaker) Name() string {
	return b.config.Name
}
