package raft

import "context"

// FutureTask is a single-use promise: a task value paired with a
// channel that eventually carries its result. Server.Submit hands its
// caller one of these for work that the reactor goroutine completes.
type FutureTask[R any, T any] interface {
	// Task returns the input the task was created with.
	Task() T

	// Result blocks until the task completes or ctx is done, whichever
	// happens first.
	Result(ctx context.Context) (R, error)

	setResult(result R, err error)
}

type futureTask[R any, T any] struct {
	task   T
	doneCh chan struct{}
	result R
	err    error
}

// newFutureTask allocates a FutureTask wrapping the given input.
func newFutureTask[R any, T any](task T) *futureTask[R, T] {
	return &futureTask[R, T]{task: task, doneCh: make(chan struct{})}
}

func (t *futureTask[R, T]) Task() T { return t.task }

func (t *futureTask[R, T]) Result(ctx context.Context) (R, error) {
	select {
	case <-t.doneCh:
		return t.result, t.err
	case <-ctx.Done():
		var zero R
		return zero, ErrDeadlineExceeded
	}
}

func (t *futureTask[R, T]) setResult(result R, err error) {
	t.result = result
	t.err = err
	close(t.doneCh)
}

// NewFutureTask exposes futureTask construction to other packages in
// this module that need to hand a caller a promise for reactor work
// (raft/server).
func NewFutureTask[R any, T any](task T) FutureTask[R, T] {
	return newFutureTask[R, T](task)
}

// SetFutureResult completes a FutureTask created with NewFutureTask.
// It is exported (rather than a method) because the FutureTask
// interface deliberately keeps setResult unexported to callers outside
// package raft — only the reactor goroutine that owns the task may
// complete it.
func SetFutureResult[R any, T any](t FutureTask[R, T], result R, err error) {
	t.setResult(result, err)
}
