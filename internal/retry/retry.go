// Package retry runs store operations with bounded backoff and a single
// repair-then-retry cycle for corrupted stores.
package retry

import (
	"context"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/pollcache/internal/logging"
	"github.com/jmgilman/pollcache/internal/metrics"
	"github.com/jmgilman/pollcache/internal/store"
)

// Outcome describes how an operation finished.
type Outcome string

// Outcome values reported by Do.
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetried      Outcome = "retried"
	OutcomeRepaired     Outcome = "repaired"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeFailed       Outcome = "failed"
	OutcomeRepairFailed Outcome = "repair_failed"
)

// Succeeded reports whether the operation eventually returned without error.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomeRetried || o == OutcomeRepaired
}

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 500 * time.Millisecond
)

// Policy bounds retries of transient failures.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// SetDefaults fills zero fields with default values.
func (p *Policy) SetDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Repairer rebuilds a corrupted store.
type Repairer interface {
	Repair(ctx context.Context) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for retry decisions.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the collector that counts retries.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// Coordinator applies a Policy to store operations.
type Coordinator struct {
	policy   Policy
	repairer Repairer
	logger   *logging.Logger
	metrics  *metrics.Collector
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator. A nil repairer disables repair; corrupted
// stores then fail immediately.
func New(policy Policy, repairer Repairer, opts ...Option) *Coordinator {
	policy.SetDefaults()
	c := &Coordinator{
		policy:   policy,
		repairer: repairer,
		logger:   logging.NewNopLogger(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the effective policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Do runs fn until it succeeds or the policy gives up.
//
// Retryable errors are attempted up to MaxAttempts times. A corrupted store
// is repaired once and fn gets exactly one more attempt, whatever it returns.
// Any other error is returned immediately.
func (c *Coordinator) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (Outcome, error) {
	var (
		attempt  int
		retried  bool
		repaired bool
	)

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			switch {
			case repaired:
				return OutcomeRepaired, nil
			case retried:
				return OutcomeRetried, nil
			default:
				return OutcomeSuccess, nil
			}
		}

		if repaired {
			return c.finish(ctx, op, OutcomeFailed, err)
		}

		switch {
		case store.IsCorrupted(err):
			if c.repairer == nil {
				return c.finish(ctx, op, OutcomeFailed, err)
			}
			c.logger.Warn(ctx, "cache store corrupted, repairing",
				"operation", op, "error", err.Error())
			if rerr := c.repairer.Repair(ctx); rerr != nil {
				return c.finish(ctx, op, OutcomeRepairFailed, rerr)
			}
			repaired = true

		case errors.IsRetryable(err):
			if attempt >= c.policy.MaxAttempts {
				return c.finish(ctx, op, OutcomeExhausted, err)
			}
			delay := c.policy.Delay(attempt)
			logging.LogRetry(ctx, c.logger, op, attempt, delay, err)
			if c.metrics != nil {
				c.metrics.RecordRetry()
			}
			if serr := c.sleep(ctx, delay); serr != nil {
				return c.finish(ctx, op, OutcomeFailed, err)
			}
			retried = true

		default:
			return c.finish(ctx, op, OutcomeFailed, err)
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, op string, outcome Outcome, err error) (Outcome, error) {
	c.logger.Warn(ctx, "cache store operation failed",
		"operation", op,
		"outcome", string(outcome),
		"error", err.Error())
	return outcome, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
