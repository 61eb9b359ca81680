package core

import (
	"context"
	"sync"
)

// FutureState describes how a Future was completed.
type FutureState int

const (
	// FuturePending means the future has not been completed yet.
	FuturePending FutureState = iota
	// FutureResolved means the future holds a result.
	FutureResolved
	// FutureFailed means the future holds an error.
	FutureFailed
	// FutureTimedOut means the future was completed with ErrTaskTimeout.
	FutureTimedOut
	// FutureCancelled means the future was completed with ErrTaskCancelled.
	FutureCancelled
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureResolved:
		return "resolved"
	case FutureFailed:
		return "failed"
	case FutureTimedOut:
		return "timed_out"
	case FutureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future is a single-assignment async handle for a task outcome. The first
// completion wins; later attempts are no-ops and report false.
type Future struct {
	mu     sync.Mutex
	done   chan struct{}
	state  FutureState
	result *Result
	err    error
}

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a future already completed with r.
func ResolvedFuture(r *Result) *Future {
	f := NewFuture()
	f.Resolve(r)
	return f
}

// FailedFuture returns a future already completed with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// Resolve completes the future with a result.
func (f *Future) Resolve(r *Result) bool { return f.complete(FutureResolved, r, nil) }

// Reject completes the future with an error.
func (f *Future) Reject(err error) bool { return f.complete(FutureFailed, nil, err) }

// Timeout completes the future with ErrTaskTimeout.
func (f *Future) Timeout() bool { return f.complete(FutureTimedOut, nil, ErrTaskTimeout) }

// Cancel completes the future with ErrTaskCancelled.
func (f *Future) Cancel() bool { return f.complete(FutureCancelled, nil, ErrTaskCancelled) }

func (f *Future) complete(state FutureState, r *Result, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != FuturePending {
		return false
	}

	f.state = state
	f.result = r
	f.err = err
	close(f.done)

	return true
}

// Done returns a channel closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// State returns the completion state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Await blocks until the future completes or ctx is done.
func (f *Future) Await(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	}
}

// Peek returns the outcome without blocking. ok is false while pending.
func (f *Future) Peek() (r *Result, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FuturePending {
		return nil, nil, false
	}
	return f.result, f.err, true
}

// Then runs fn on its own goroutine once the future completes.
func (f *Future) Then(fn func(*Result, error)) {
	go func() {
		<-f.done
		f.mu.Lock()
		r, err := f.result, f.err
		f.mu.Unlock()
		fn(r, err)
	}()
}

// Pipe completes dst with the outcome of f, preserving timeout and
// cancellation states.
func (f *Future) Pipe(dst *Future) {
	f.Then(func(r *Result, err error) {
		switch f.State() {
		case FutureResolved:
			dst.Resolve(r)
		case FutureTimedOut:
			dst.Timeout()
		case FutureCancelled:
			dst.Cancel()
		default:
			dst.Reject(err)
		}
	})
}
