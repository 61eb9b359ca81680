package subagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestErrorHandler_Classify(t *testing.T) {
	h := NewErrorHandler()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorKindTimeout},
		{"task timeout", core.ErrTaskTimeout, ErrorKindTimeout},
		{"cancelled", context.Canceled, ErrorKindInterrupted},
		{"backpressure", fmt.Errorf("%w: search", core.ErrConcurrencyLimit), ErrorKindInterrupted},
		{"validation", fmt.Errorf("prompt: %w", core.ErrValidation), ErrorKindValidation},
		{"memory", core.ErrResourceExhausted, ErrorKindMemory},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrorKindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, ErrorKindNetwork},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "x", IsTimeout: true}, ErrorKindTimeout},
		{"creation", core.NewCreationError("search", errors.New("boom")), ErrorKindCreation},
		{"labelled", core.NewTaskError("network", errors.New("upstream 503")), ErrorKindNetwork},
		{"unknown label", core.NewTaskError("weird", errors.New("x")), ErrorKindUnknown},
		{"plain", errors.New("boom"), ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.Classify(tt.err))
		})
	}
}

func TestErrorHandler_IsRetryable(t *testing.T) {
	h := NewErrorHandler()

	for kind, want := range map[ErrorKind]bool{
		ErrorKindTimeout:     true,
		ErrorKindNetwork:     true,
		ErrorKindInterrupted: true,
		ErrorKindValidation:  false,
		ErrorKindMemory:      false,
		ErrorKindCreation:    false,
		ErrorKindUnknown:     false,
	} {
		assert.Equal(t, want, h.IsRetryable(kind), kind)
	}
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := DefaultRetryPolicy

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6))
	assert.Equal(t, 30*time.Second, p.Delay(500))

	prev := time.Duration(0)
	for attempt := 1; attempt < 20; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestErrorHandler_RetriesNetworkErrorsUpToBudget(t *testing.T) {
	h := NewErrorHandler(func(o *ErrorHandlerOptions) {
		o.Policy = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	})
	task := core.NewTask("search")
	netErr := core.NewTaskError("network", errors.New("reset"))

	var delays []time.Duration
	for task.RetryCount() < 2 {
		fut, decision := h.HandleTaskError(task, netErr)
		require.True(t, decision.Retry)
		delays = append(delays, decision.Delay)

		r, err := fut.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, decision.Attempt, r.Metadata()["retry_attempt"])

		task.IncrementRetry()
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)

	fut, decision := h.HandleTaskError(task, netErr)
	assert.False(t, decision.Retry)
	r, err, ok := fut.Peek()
	require.True(t, ok)
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Equal(t, "NETWORK", r.Metadata()["error_kind"])
	assert.Equal(t, 3, h.ErrorCount("task:"+task.ID()))
}

func TestErrorHandler_ValidationIsNeverRetried(t *testing.T) {
	h := NewErrorHandler()
	task := core.NewTask("search")

	fut, decision := h.HandleTaskError(task, fmt.Errorf("bad prompt: %w", core.ErrValidation))

	assert.False(t, decision.Retry)
	assert.Equal(t, ErrorKindValidation, decision.Kind)
	assert.True(t, fut.IsDone())
	assert.Equal(t, 0, h.PendingRetries())
}

func TestErrorHandler_StopCancelsPendingRetries(t *testing.T) {
	h := NewErrorHandler(func(o *ErrorHandlerOptions) { o.Policy.BaseDelay = time.Hour })
	task := core.NewTask("search")

	fut, decision := h.HandleTaskError(task, context.DeadlineExceeded)
	require.True(t, decision.Retry)
	assert.Equal(t, 1, h.PendingRetries())

	h.Stop()

	assert.Equal(t, core.FutureCancelled, fut.State())
	assert.Equal(t, 0, h.PendingRetries())

	late, decision := h.HandleTaskError(core.NewTask("search"), context.DeadlineExceeded)
	assert.True(t, decision.Retry)
	assert.Equal(t, core.FutureCancelled, late.State())
}

func TestErrorHandler_IsInErrorState(t *testing.T) {
	h := NewErrorHandler()

	for i := 0; i < 3; i++ {
		h.RecordError("creation:search")
	}

	assert.True(t, h.IsInErrorState("creation:search", 3, time.Minute))
	assert.False(t, h.IsInErrorState("creation:search", 4, time.Minute))
	assert.False(t, h.IsInErrorState("creation:other", 1, time.Minute))

	time.Sleep(10 * time.Millisecond)
	assert.False(t, h.IsInErrorState("creation:search", 1, 5*time.Millisecond))
}

func TestErrorHandler_HandleCreationError(t *testing.T) {
	h := NewErrorHandler(func(o *ErrorHandlerOptions) { o.CreationThreshold = 2 })
	cause := errors.New("no api key")

	err := h.HandleCreationError("search", cause)

	var creationErr *core.CreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, "search", creationErr.WorkerType)
	assert.ErrorIs(t, err, cause)
	assert.False(t, h.CreationFlapping("search"))

	again := h.HandleCreationError("search", creationErr)
	assert.Same(t, creationErr, again)
	assert.True(t, h.CreationFlapping("search"))

	h.HandlePoolError("search", errors.New("exhausted"))
	assert.Equal(t, 1, h.ErrorCount("pool:search"))
}
