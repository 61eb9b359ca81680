package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_FirstCompletionWins(t *testing.T) {
	f := NewFuture()
	assert.Equal(t, FuturePending, f.State())
	assert.False(t, f.IsDone())

	r := NewSuccessResult(time.Millisecond, nil)
	assert.True(t, f.Resolve(r))
	assert.False(t, f.Reject(errors.New("late")))
	assert.False(t, f.Cancel())
	assert.False(t, f.Timeout())

	got, err, ok := f.Peek()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, FutureResolved, f.State())
}

func TestFuture_States(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		complete func(f *Future)
		state    FutureState
		err      error
	}{
		{"rejected", func(f *Future) { f.Reject(boom) }, FutureFailed, boom},
		{"timed out", func(f *Future) { f.Timeout() }, FutureTimedOut, ErrTaskTimeout},
		{"cancelled", func(f *Future) { f.Cancel() }, FutureCancelled, ErrTaskCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFuture()
			tt.complete(f)

			r, err := f.Await(context.Background())
			assert.Nil(t, r)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.state, f.State())
		})
	}
}

func TestFuture_AwaitRespectsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, FuturePending, f.State(), "an abandoned await does not complete the future")
}

func TestFuture_ConcurrentCompletion(t *testing.T) {
	f := NewFuture()

	var wg sync.WaitGroup
	wins := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- f.Resolve(NewSuccessResult(0, nil))
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestFuture_ThenAndPipe(t *testing.T) {
	src := NewFuture()
	dst := NewFuture()
	src.Pipe(dst)

	called := make(chan error, 1)
	src.Then(func(_ *Result, err error) { called <- err })

	src.Cancel()

	select {
	case err := <-called:
		assert.ErrorIs(t, err, ErrTaskCancelled)
	case <-time.After(time.Second):
		t.Fatal("Then callback not invoked")
	}

	<-dst.Done()
	assert.Equal(t, FutureCancelled, dst.State())

	r := NewSuccessResult(0, nil)
	resolved := NewFuture()
	ResolvedFuture(r).Pipe(resolved)
	got, err := resolved.Await(context.Background())
	require.NoError(t, err)
	assert.Same(t, r, got)

	_, err = FailedFuture(ErrNotRunning).Await(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}
