package pipeline

import (
	"context"
	"sync"
)

// Task runs one pipeline in its own goroutine.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start begins running fn in a goroutine. It returns immediately; fn runs
// until it returns, ctx is cancelled, or Stop is called.
func Start(ctx context.Context, name string, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(ctx)

		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
	return t
}

// Name returns the name given to Start.
func (t *Task) Name() string {
	return t.name
}

// Stop cancels the task's context. It does not wait; use Wait.
func (t *Task) Stop() {
	t.cancel()
}

// Done is closed once the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task returns and reports its error.
func (t *Task) Wait() error {
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
