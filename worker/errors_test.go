package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit retryable", Retryable(errors.New("flaky")), true},
		{"explicit permanent", Permanent(errors.New("broken input")), false},
		{"wrapped retryable", fmt.Errorf("stage: %w", Retryable(errors.New("flaky"))), true},
		{"wrapped permanent", fmt.Errorf("stage: %w", Permanent(errors.New("broken"))), false},
		{"generator transient", generator.NewTransientError(errors.New("503")), true},
		{"generator fatal", generator.NewFatalError(errors.New("401")), false},
		{"validation", envelope.NewValidationError("tasks", "cycle detected"), false},
		{"wrapped validation", fmt.Errorf("analysis: %w", envelope.NewValidationError("tasks", "empty")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancellation", context.Canceled, true},
		{"plain error defaults retryable", errors.New("artifact push refused"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestExplicitWrapperBeatsInnerClassification(t *testing.T) {
	// A transform can pin the verdict even when the wrapped error would
	// classify the other way.
	inner := generator.NewTransientError(errors.New("503"))
	assert.False(t, IsRetryable(Permanent(inner)))

	fatal := generator.NewFatalError(errors.New("400"))
	assert.True(t, IsRetryable(Retryable(fatal)))
}

func TestIsDeadline(t *testing.T) {
	assert.True(t, IsDeadline(context.DeadlineExceeded))
	assert.True(t, IsDeadline(fmt.Errorf("run: %w", context.DeadlineExceeded)))
	assert.False(t, IsDeadline(context.Canceled))
	assert.False(t, IsDeadline(errors.New("deadline-ish text")))
}

func TestWrappersPreserveNil(t *testing.T) {
	assert.NoError(t, Retryable(nil))
	assert.NoError(t, Permanent(nil))
}

func TestRequeueDelayDoubles(t *testing.T) {
	assert.Equal(t, "1s", requeueDelay(1).String())
	assert.Equal(t, "2s", requeueDelay(2).String())
	assert.Equal(t, "4s", requeueDelay(3).String())
	assert.Equal(t, "16s", requeueDelay(5).String())
	assert.Equal(t, "16s", requeueDelay(50).String())
	assert.Equal(t, "1s", requeueDelay(0).String())
}