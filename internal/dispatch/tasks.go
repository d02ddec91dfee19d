package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/metrics"
)

// Task kinds.
const (
	TaskWelcome  = "welcome"
	TaskAnalysis = "analysis"
)

// ErrQueueFull is reported when a task is dropped at submission.
var ErrQueueFull = errors.New("task queue full")

// Task is an asynchronous side effect of a dispatched event.
type Task struct {
	Kind    string
	EventID string
	HostID  string
	// Payload is dead-lettered when the task fails.
	Payload json.RawMessage
	Run     func(ctx context.Context) error
}

// Outcome is reported once per task, including dropped ones.
type Outcome struct {
	Kind     string
	EventID  string
	HostID   string
	Err      error
	Duration time.Duration
}

// TaskRunner runs tasks on a fixed pool of workers. A collector goroutine
// consumes outcomes, logs and counts them, and dead-letters failures.
type TaskRunner struct {
	queue    chan Task
	outcomes chan Outcome
	workers  int
	timeout  time.Duration
	dlq      dlq.Queue
	logger   *logging.Logger
	observe  func(Outcome)

	mu        sync.RWMutex
	stopped   bool
	workerWG  sync.WaitGroup
	collectWG sync.WaitGroup
	cancel    context.CancelFunc
}

type RunnerOption func(*TaskRunner)

// WithTaskTimeout bounds a single task run. Default 60s.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *TaskRunner) { r.timeout = d }
}

// WithObserver receives every outcome after it has been collected.
func WithObserver(fn func(Outcome)) RunnerOption {
	return func(r *TaskRunner) { r.observe = fn }
}

func NewTaskRunner(workers, queueSize int, q dlq.Queue, logger *logging.Logger, opts ...RunnerOption) *TaskRunner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if q == nil {
		q = dlq.NopQueue{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &TaskRunner{
		queue:    make(chan Task, queueSize),
		outcomes: make(chan Outcome, queueSize),
		workers:  workers,
		timeout:  60 * time.Second,
		dlq:      q,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers and the collector. Tasks run on ctx, which
// should not be tied to any single request.
func (r *TaskRunner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.collectWG.Add(1)
	go r.collect()

	for i := 0; i < r.workers; i++ {
		r.workerWG.Add(1)
		go r.work(ctx)
	}
}

// Submit queues t without blocking. A full or stopped queue drops the task,
// reports it as failed and returns false.
func (r *TaskRunner) Submit(t Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.stopped {
		select {
		case r.queue <- t:
			metrics.TaskQueueDepth.Set(float64(len(r.queue)))
			return true
		default:
		}
	}

	out := Outcome{Kind: t.Kind, EventID: t.EventID, HostID: t.HostID, Err: ErrQueueFull}
	r.record(out)
	if err := r.dlq.Write(context.Background(), t.Payload, fmt.Errorf("%s task: %w", t.Kind, ErrQueueFull), dlq.ReasonQueueFull); err != nil {
		r.logger.Error("failed to dead-letter dropped task", logging.Task(t.Kind), logging.Error(err))
	}
	if r.observe != nil {
		r.observe(out)
	}
	return false
}

func (r *TaskRunner) work(ctx context.Context) {
	defer r.workerWG.Done()
	for t := range r.queue {
		metrics.TaskQueueDepth.Set(float64(len(r.queue)))
		r.outcomes <- r.run(ctx, t)
	}
}

func (r *TaskRunner) run(ctx context.Context, t Task) (out Outcome) {
	start := time.Now()
	out = Outcome{Kind: t.Kind, EventID: t.EventID, HostID: t.HostID}

	defer func() {
		if p := recover(); p != nil {
			out.Err = &taskError{task: t, err: fmt.Errorf("task panicked: %v", p)}
		}
		out.Duration = time.Since(start)
	}()

	taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out.Err = t.Run(taskCtx)
	if out.Err != nil {
		out.Err = &taskError{task: t, err: out.Err}
	}
	return out
}

// taskError carries the task so the collector can dead-letter its payload.
type taskError struct {
	task Task
	err  error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

func (r *TaskRunner) collect() {
	defer r.collectWG.Done()
	for out := range r.outcomes {
		r.record(out)

		var te *taskError
		if errors.As(out.Err, &te) {
			reason := dlq.ReasonAnalysisFailed
			if out.Kind == TaskWelcome {
				reason = dlq.ReasonWelcomeFailed
			}
			if err := r.dlq.Write(context.Background(), te.task.Payload, te.err, reason); err != nil {
				r.logger.Error("failed to dead-letter task", logging.Task(out.Kind), logging.Error(err))
			}
			out.Err = te.err
		}

		if r.observe != nil {
			r.observe(out)
		}
	}
}

func (r *TaskRunner) record(out Outcome) {
	result := "success"
	if out.Err != nil {
		result = "failure"
		if errors.Is(out.Err, ErrQueueFull) {
			result = "dropped"
		}
	}
	metrics.TasksTotal.WithLabelValues(out.Kind, result).Inc()

	attrs := []any{logging.Task(out.Kind), logging.EventID(out.EventID), logging.HostID(out.HostID), logging.Duration(out.Duration)}
	if out.Err != nil {
		r.logger.Warn("task failed", append(attrs, logging.Error(out.Err))...)
		return
	}
	r.logger.Info("task completed", attrs...)
}

// Stop refuses new tasks, lets queued ones finish and waits for the
// collector. If ctx expires first, running tasks are cancelled and Stop
// returns ctx.Err() at once; a task that ignores cancellation finishes in
// the background.
func (r *TaskRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workerWG.Wait()
		close(r.outcomes)
		r.collectWG.Wait()
		close(done)
	}()

	cancel := func() {
		if r.cancel != nil {
			r.cancel()
		}
	}

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}
