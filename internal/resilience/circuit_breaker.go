package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/sony/gobreaker"
)

// CircuitBreaker manages one gobreaker per named upstream. The node
// daemon only ever dials the resource manager, but the map keeps the
// wrapper usable for any future upstream it needs to reach.
type CircuitBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	settings Settings
}

// Settings defines circuit breaker configuration
type Settings struct {
	MaxRequests      uint32        // Max requests allowed in half-open state
	Interval         time.Duration // Period for collecting stats
	Timeout          time.Duration // Time before transitioning from open to half-open
	FailureThreshold float64       // Failure ratio to trip (0.0-1.0)
	MinRequests      uint32        // Minimum requests before checking failure ratio
	OnStateChange    func(name string, from gobreaker.State, to gobreaker.State)
}

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// DefaultSettings provides sensible defaults
	DefaultSettings = Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
)

// NewCircuitBreaker creates a new circuit breaker manager
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxRequests == 0 {
		settings = DefaultSettings
	}

	return &CircuitBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// Execute runs a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(service string, fn func() (interface{}, error)) (interface{}, error) {
	breaker := cb.getOrCreateBreaker(service)

	result, err := breaker.Execute(fn)
	if err == gobreaker.ErrOpenState {
		return nil, ErrCircuitOpen
	}

	return result, err
}

// ExecuteContext runs a function with circuit breaker protection and context
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, service string, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return cb.Execute(service, fn)
}

// getOrCreateBreaker gets or creates a circuit breaker for a service
func (cb *CircuitBreaker) getOrCreateBreaker(service string) *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	breaker, exists := cb.breakers[service]
	cb.mu.RUnlock()

	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := cb.breakers[service]; exists {
		return breaker
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cb.settings.MaxRequests,
		Interval:    cb.settings.Interval,
		Timeout:     cb.settings.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cb.settings.MinRequests {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cb.settings.FailureThreshold
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if cb.settings.OnStateChange != nil {
				cb.settings.OnStateChange(name, from, to)
			}
			logging.Warn("circuit breaker state change", map[string]interface{}{
				"upstream": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})

	cb.breakers[service] = breaker
	return breaker
}
