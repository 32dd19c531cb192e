package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep() RunnerOption {
	return WithSleepFunc(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	})
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2.0}

	assert.Equal(t, time.Second, Backoff(policy, 0))
	assert.Equal(t, 2*time.Second, Backoff(policy, 1))
	assert.Equal(t, 4*time.Second, Backoff(policy, 2))
	assert.Equal(t, 32*time.Second, Backoff(policy, 5))
	assert.Equal(t, time.Minute, Backoff(policy, 6), "capped at MaxDelay")
	assert.Equal(t, time.Minute, Backoff(policy, 500), "overflow degrades to MaxDelay")
	assert.Equal(t, time.Second, Backoff(policy, -3), "negative attempt clamps to base")
}

func TestRunner_Run_AllStepsFinish(t *testing.T) {
	var order []string
	steps := []Step{
		StepFunc{StepName: "one", Fn: func(ctx context.Context) (StepResult, error) {
			order = append(order, "one")
			return StepFinished, nil
		}},
		StepFunc{StepName: "two", Fn: func(ctx context.Context) (StepResult, error) {
			order = append(order, "two")
			return StepFinished, nil
		}},
	}

	r := NewRunner(steps, DefaultRetryPolicy(), nil, noSleep())
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"one", "two"}, order)
}

func TestRunner_Run_RetriesUntilFinished(t *testing.T) {
	attempts := 0
	steps := []Step{
		StepFunc{StepName: "flaky", Fn: func(ctx context.Context) (StepResult, error) {
			attempts++
			if attempts < 3 {
				return StepRetry, errors.New("transient")
			}
			return StepFinished, nil
		}},
	}

	r := NewRunner(steps, DefaultRetryPolicy(), nil, noSleep())
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestRunner_Run_CancelStopsChain(t *testing.T) {
	reached := false
	steps := []Step{
		StepFunc{StepName: "gate", Fn: func(ctx context.Context) (StepResult, error) {
			return StepCancel, nil
		}},
		StepFunc{StepName: "after", Fn: func(ctx context.Context) (StepResult, error) {
			reached = true
			return StepFinished, nil
		}},
	}

	r := NewRunner(steps, DefaultRetryPolicy(), nil, noSleep())
	require.NoError(t, r.Run(context.Background()), "a cancelled chain is not an error")
	assert.False(t, reached, "steps after the cancelling one must not run")
}

func TestRunner_Run_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	steps := []Step{
		StepFunc{StepName: "forever", Fn: func(ctx context.Context) (StepResult, error) {
			cancel()
			return StepRetry, errors.New("still failing")
		}},
	}

	r := NewRunner(steps, DefaultRetryPolicy(), nil)
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_Run_UnknownResult(t *testing.T) {
	steps := []Step{
		StepFunc{StepName: "broken", Fn: func(ctx context.Context) (StepResult, error) {
			return StepResult("bogus"), nil
		}},
	}

	r := NewRunner(steps, DefaultRetryPolicy(), nil, noSleep())
	assert.Error(t, r.Run(context.Background()))
}
