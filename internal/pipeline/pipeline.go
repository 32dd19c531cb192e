// Package pipeline runs an ordered chain of idempotent, individually
// retryable steps for one schedule's preparation. Steps signal whether the
// chain proceeds, the same step is retried after backoff, or the chain is
// aborted. The whole chain is cancelable through its context, so
// invalidating or deleting a schedule stops any in-flight retry without
// producing a stale result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StepResult is the outcome of one step attempt.
type StepResult string

const (
	// StepFinished proceeds to the next step in the chain.
	StepFinished StepResult = "finished"
	// StepRetry re-runs the same step after backoff; the chain is paused.
	StepRetry StepResult = "retry"
	// StepCancel aborts the remaining steps. The step must have already
	// signaled its final outcome before returning StepCancel.
	StepCancel StepResult = "cancel"
)

// Step is a single retryable unit of preparation work.
type Step interface {
	// Name identifies the step in logs.
	Name() string
	// Run executes one attempt. An error accompanies StepRetry for
	// logging; other results should return a nil error.
	Run(ctx context.Context) (StepResult, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context) (StepResult, error)
}

// Name implements Step.
func (s StepFunc) Name() string { return s.StepName }

// Run implements Step.
func (s StepFunc) Run(ctx context.Context) (StepResult, error) { return s.Fn(ctx) }

// RetryPolicy defines the exponential backoff parameters between retries of
// a single step. There is no attempt cap: transient failures retry until the
// chain is cancelled, with the delay bounded by MaxDelay.
type RetryPolicy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the standard prepare backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
}

// Backoff computes the delay before retry number attempt (zero-based) using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func Backoff(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}
	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		// The negative check guards against overflow.
		d = policy.MaxDelay
	}
	return d
}

// Runner executes a chain of steps for one schedule.
type Runner struct {
	steps  []Step
	policy RetryPolicy
	logger *slog.Logger

	// sleep is overridable for tests; defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSleepFunc overrides the wait between retries. Intended for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// NewRunner creates a Runner over the given steps.
func NewRunner(steps []Step, policy RetryPolicy, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		steps:  steps,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run walks the chain in order. It returns nil when every step finished or a
// step cancelled the chain, and the context error when cancelled mid-chain.
func (r *Runner) Run(ctx context.Context) error {
	for _, step := range r.steps {
		attempt := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			result, err := step.Run(ctx)
			switch result {
			case StepFinished:
			case StepCancel:
				r.logger.DebugContext(ctx, "pipeline chain cancelled by step",
					"step", step.Name(),
				)
				return nil
			case StepRetry:
				delay := Backoff(r.policy, attempt)
				r.logger.InfoContext(ctx, "pipeline step will retry",
					"step", step.Name(),
					"attempt", attempt,
					"delay", delay.String(),
					"error", err,
				)
				attempt++
				if err := r.sleep(ctx, delay); err != nil {
					return err
				}
				continue
			default:
				return fmt.Errorf("pipeline: step %s returned unknown result %q", step.Name(), result)
			}
			break
		}
	}
	return nil
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
