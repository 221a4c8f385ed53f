// Package scheduler runs periodic background work that can be cancelled
// cleanly on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
)

// ErrAlreadyRunning is returned by Start on a running task.
var ErrAlreadyRunning = errors.New("scheduler: task already running")

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Task calls fn every interval until stopped or its parent context ends.
// Runs never overlap.
type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
	logger   *logging.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError error
}

// NewTask creates a stopped task.
func NewTask(name string, interval time.Duration, fn func(context.Context) error, logger *logging.Logger) *Task {
	if logger == nil {
		logger = logging.Default()
	}
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With(map[string]any{"task": name}),
	}
}

// Start launches the loop. The first run happens after one interval.
func (t *Task) Start(parent context.Context) error {
	if t.interval <= 0 {
		return fmt.Errorf("scheduler: task %s has non-positive interval %s", t.name, t.interval)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)

	t.logger.Debug("task started", map[string]any{"interval": t.interval.String()})
	return nil
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunNow(ctx)
		}
	}
}

// RunNow executes fn once on the calling goroutine and records the outcome.
func (t *Task) RunNow(ctx context.Context) error {
	err := t.fn(ctx)

	t.mu.Lock()
	t.runs++
	t.lastRun = time.Now()
	t.lastError = err
	if err != nil {
		t.failures++
	}
	t.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn("task run failed", map[string]any{"error": err.Error()})
	}
	return err
}

// Stop cancels the loop and waits for an in-progress run to return.
// Stopping a stopped task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Debug("task stopped")
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Status returns a snapshot of the task's counters.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{
		Name:     t.name,
		Interval: t.interval,
		Running:  t.cancel != nil,
		Runs:     t.runs,
		Failures: t.failures,
		LastRun:  t.lastRun,
	}
	if t.lastError != nil {
		st.LastError = t.lastError.Error()
	}
	return st
}
