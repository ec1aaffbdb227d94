package pipeline

import (
	"errors"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/quantex/marketpipe/internal/config"
)

// breaker guards ingestion and flushing against repeated internal failures.
// Consecutive failures at or above the configured threshold open the
// breaker; after the reset timeout the next operation runs as a half-open
// trial whose outcome closes or re-opens it.
type breaker struct {
	cb      *gobreaker.CircuitBreaker[struct{}]
	enabled bool
}

func newBreaker(cfg config.Breaker, log *zap.Logger, onTrip func()) *breaker {
	if !cfg.Enabled {
		return &breaker{enabled: false}
	}

	settings := gobreaker.Settings{
		Name:        "pipeline",
		MaxRequests: 1, // single half-open trial
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen && onTrip != nil {
				onTrip()
			}
		},
	}
	return &breaker{
		cb:      gobreaker.NewCircuitBreaker[struct{}](settings),
		enabled: true,
	}
}

// Do runs op through the breaker. With the breaker disabled it runs op
// directly.
func (b *breaker) Do(op func() error) error {
	if !b.enabled {
		return op()
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Rejected reports whether err means the breaker refused the operation
// rather than the operation itself failing.
func (b *breaker) Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns closed, open or half-open. Checking the state also performs
// the open-to-half-open transition once the reset timeout has elapsed.
func (b *breaker) State() string {
	if !b.enabled {
		return "disabled"
	}
	return b.cb.State().String()
}
