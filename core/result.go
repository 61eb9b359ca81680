package core

import "time"

// Result is the immutable outcome of executing a task. The callback bridge
// hands the same *Result to every observer, so it must not be modified after
// construction.
type Result struct {
	success        bool
	err            string
	processingTime time.Duration
	metadata       map[string]any
	createdAt      time.Time
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(processingTime time.Duration, metadata map[string]any) *Result {
	return newResult(true, "", processingTime, metadata)
}

// NewFailureResult builds a failed result carrying an error message.
func NewFailureResult(errMsg string, processingTime time.Duration, metadata map[string]any) *Result {
	return newResult(false, errMsg, processingTime, metadata)
}

func newResult(success bool, errMsg string, processingTime time.Duration, metadata map[string]any) *Result {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Result{
		success:        success,
		err:            errMsg,
		processingTime: processingTime,
		metadata:       md,
		createdAt:      time.Now(),
	}
}

// Success reports whether the task succeeded.
func (r *Result) Success() bool { return r.success }

// Error returns the failure message, empty on success.
func (r *Result) Error() string { return r.err }

// ProcessingTime returns the total processing time.
func (r *Result) ProcessingTime() time.Duration { return r.processingTime }

// CreatedAt returns when the result was built.
func (r *Result) CreatedAt() time.Time { return r.createdAt }

// Metadata returns a copy of the metadata bag.
func (r *Result) Metadata() map[string]any {
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// Value returns a single metadata entry.
func (r *Result) Value(key string) (any, bool) {
	v, ok := r.metadata[key]
	return v, ok
}
