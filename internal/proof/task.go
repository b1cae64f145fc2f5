package proof

import (
	"context"
	"sync"

	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
)

// TaskState is the lifecycle state of a proving task.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskFailed
	TaskCancelled
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is an asynchronous proof generation. It owns its own context, so
// callers that stop waiting do not cancel it; Cancel does.
type Task struct {
	mu     sync.Mutex
	state  TaskState
	result *Proof
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Start launches proof generation for target in g and returns immediately.
func (pr *Prover) Start(seed []byte, target identity.ID, g *group.Group) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Task{
		state:  TaskPending,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go t.run(ctx, func(ctx context.Context) (*Proof, error) {
		t.setState(TaskRunning)
		return pr.GenerateInGroup(ctx, seed, target, g)
	})

	return t
}

// run executes fn and records its outcome.
func (t *Task) run(ctx context.Context, fn func(context.Context) (*Proof, error)) {
	defer t.cancel()
	defer close(t.done)

	p, err := fn(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.result, t.err = p, err

	switch {
	case err == nil:
		t.state = TaskDone
	case ctx.Err() != nil:
		t.state = TaskCancelled
	default:
		t.state = TaskFailed
		logger.Warn("proof task failed", "error", err)
	}
}

// setState moves a task forward unless it already finished.
func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state < s {
		t.state = s
	}
}

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the task. A finished task is unaffected.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx ends. When ctx ends first the
// task keeps running and ctx.Err() is returned.
func (t *Task) Wait(ctx context.Context) (*Proof, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.result, t.err
}
