package dispatcher

import (
	"context"
	"time"
)

// Outcome is the result of sending one execution request.
type Outcome struct {
	SubmissionID int64
	Attempt      string
	Err          error
	Duration     time.Duration
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

// BatchResult collects the outcomes of one Dispatch call in request order.
type BatchResult struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that did not reach a worker.
func (r *BatchResult) Failed() []Outcome {
	if r == nil {
		return nil
	}
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

func (r *BatchResult) FailureCount() int {
	return len(r.Failed())
}

func (r *BatchResult) Total() int {
	if r == nil {
		return 0
	}
	return len(r.Outcomes)
}

// Future resolves once every request of a batch has been attempted.
type Future struct {
	done   chan struct{}
	result *BatchResult
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete with result.
func Resolved(result *BatchResult) *Future {
	f := newFuture()
	f.resolve(result)
	return f
}

func (f *Future) resolve(result *BatchResult) {
	if result == nil {
		result = &BatchResult{}
	}
	f.result = result
	close(f.done)
}

// Done is closed when the batch completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the batch completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (*BatchResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then returns a future that completes after fn has observed this future's result.
func (f *Future) Then(fn func(result *BatchResult)) *Future {
	next := newFuture()
	go func() {
		<-f.done
		if fn != nil {
			fn(f.result)
		}
		next.resolve(f.result)
	}()
	return next
}
