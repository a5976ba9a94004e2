package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/j-veylop/agent-dashboard/internal/logger"
)

// ErrExecutorClosed is returned by Go after Close has been called.
var ErrExecutorClosed = errors.New("executor is closed")

// Executor runs background tasks with bounded concurrency. A panicking task
// is recovered and handed to its onPanic callback.
type Executor struct {
	slots  *semaphore.Weighted
	tasks  conc.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewExecutor creates an executor that runs at most maxConcurrent tasks at
// once. Tasks beyond that wait for a slot without blocking Go.
func NewExecutor(maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{slots: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Go schedules task. onPanic, if non-nil, receives the recovered value.
func (e *Executor) Go(name string, task func(), onPanic func(recovered any)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}

	e.tasks.Go(func() {
		// Acquire only fails on a cancelled context.
		_ = e.slots.Acquire(context.Background(), 1)
		defer e.slots.Release(1)

		var pc panics.Catcher
		pc.Try(task)
		if r := pc.Recovered(); r != nil {
			logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
			if onPanic != nil {
				onPanic(r.Value)
			}
		}
	})
	return nil
}

// Wait blocks until every scheduled task has returned or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := e.tasks.WaitAndRecover(); r != nil {
			logger.Error("panic handler failed", "panic", fmt.Sprint(r.Value))
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for running ones.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Wait(ctx)
}
