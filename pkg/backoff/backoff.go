// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vkarpenko/tvstream/pkg/logger"
)

// Config holds exponential backoff settings and an optional per-attempt timeout.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"` // 0 = retry forever
	PerAttemptTimeout   time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 1 * time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

// RetryableFunc is one attempt of the operation.
type RetryableFunc func(ctx context.Context) error

// Error is returned when all attempts are exhausted.
type Error struct {
	Err      error
	Attempts int
}

func (e *Error) Error() string {
	return fmt.Sprintf("backoff: failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

var (
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "backoff", Name: "retries_total",
		Help: "Number of retry attempts",
	})
	failuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "backoff", Name: "failures_total",
		Help: "Number of operations giving up after retries",
	})
	successesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "backoff", Name: "successes_total",
		Help: "Number of operations succeeded (possibly after retries)",
	})

	registerOnce sync.Once
)

func registerMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(retriesTotal, failuresTotal, successesTotal)
	})
}

// Execute runs fn with exponential backoff until success, context cancellation
// or MaxElapsedTime exhaustion.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	registerMetrics(prometheus.DefaultRegisterer)
	cfg.applyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	if cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsedTime
	}
	boCtx := backoff.WithContext(bo, ctx)

	var attempts int
	operation := func() error {
		attempts++
		if t := cfg.PerAttemptTimeout; t > 0 {
			attemptCtx, cancel := context.WithTimeout(ctx, t)
			defer cancel()
			return fn(attemptCtx)
		}
		return fn(ctx)
	}

	notify := func(err error, delay time.Duration) {
		retriesTotal.Inc()
		log.Sugar().Warnw("backoff retry", "error", err, "delay", delay, "attempt", attempts)
	}

	if err := backoff.RetryNotify(operation, boCtx, notify); err != nil {
		failuresTotal.Inc()
		log.Sugar().Errorw("backoff give up", "error", err, "attempts", attempts)
		return &Error{Err: err, Attempts: attempts}
	}

	successesTotal.Inc()
	return nil
}
