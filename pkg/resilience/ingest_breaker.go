// Package resilience wraps provider API calls in a circuit breaker.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"ingest_server/pkg/logger"
)

// ErrOpen is returned without calling the provider while the circuit is open.
var ErrOpen = gobreaker.ErrOpenState

// Breaker trips on provider-side failures only. Client errors such as a bad
// request or an expired token pass through without counting.
type Breaker struct {
	cb    *gobreaker.CircuitBreaker
	trips func(error) bool
}

// NewBreaker creates a breaker that opens after more than five consecutive
// failures, or when at least 60% of ten or more requests in a minute failed.
// trips decides whether an error counts; nil counts every error.
func NewBreaker(name string, trips func(error) bool) *Breaker {
	if trips == nil {
		trips = func(error) bool { return true }
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), trips: trips}
}

// Execute runs fn under the breaker and returns fn's error unchanged.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if !b.trips(err) {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	return err
}

// State returns closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls currently fail fast.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}
