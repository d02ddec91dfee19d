package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/logging"
)

func TestTaskRunner_QueueFull(t *testing.T) {
	q := &recordingQueue{}
	outcomes := make(chan Outcome, 4)
	r := NewTaskRunner(1, 1, q, logging.Discard(), WithObserver(func(o Outcome) { outcomes <- o }))

	noop := func(context.Context) error { return nil }
	assert.True(t, r.Submit(Task{Kind: TaskWelcome, Run: noop}))
	assert.False(t, r.Submit(Task{Kind: TaskWelcome, EventID: "m2", Run: noop}))

	o := <-outcomes
	assert.ErrorIs(t, o.Err, ErrQueueFull)
	assert.Equal(t, "m2", o.EventID)
	assert.Equal(t, []string{dlq.ReasonQueueFull}, q.Reasons())

	r.Start(context.Background())
	require.NoError(t, r.Stop(context.Background()))
}

func TestTaskRunner_StopDrainsQueue(t *testing.T) {
	var ran atomic.Int32
	r := NewTaskRunner(2, 16, nil, logging.Discard())
	r.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.True(t, r.Submit(Task{Kind: TaskAnalysis, Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, int32(10), ran.Load())

	assert.False(t, r.Submit(Task{Kind: TaskAnalysis, Run: func(context.Context) error { return nil }}), "stopped runner refuses tasks")
	assert.NoError(t, r.Stop(context.Background()), "stop is idempotent")
}

func TestTaskRunner_StopDeadlineCancelsTasks(t *testing.T) {
	r := NewTaskRunner(1, 1, nil, logging.Discard())
	r.Start(context.Background())

	started := make(chan struct{})
	require.True(t, r.Submit(Task{Kind: TaskAnalysis, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Stop(ctx), context.DeadlineExceeded)
}

func TestTaskRunner_StopDoesNotWaitForStuckTask(t *testing.T) {
	r := NewTaskRunner(1, 1, nil, logging.Discard())
	r.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.True(t, r.Submit(Task{Kind: TaskWelcome, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := r.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTaskRunner_FailuresAndPanics(t *testing.T) {
	q := &recordingQueue{}
	outcomes := make(chan Outcome, 4)
	r := NewTaskRunner(1, 4, q, logging.Discard(), WithObserver(func(o Outcome) { outcomes <- o }))
	r.Start(context.Background())
	defer func() { _ = r.Stop(context.Background()) }()

	boom := errors.New("boom")
	r.Submit(Task{Kind: TaskWelcome, Run: func(context.Context) error { return boom }})
	r.Submit(Task{Kind: TaskAnalysis, Run: func(context.Context) error { panic("bad input") }})

	first := <-outcomes
	assert.ErrorIs(t, first.Err, boom)
	second := <-outcomes
	assert.ErrorContains(t, second.Err, "task panicked")

	assert.Equal(t, []string{dlq.ReasonWelcomeFailed, dlq.ReasonAnalysisFailed}, q.Reasons())
}

func TestTaskRunner_TaskTimeout(t *testing.T) {
	outcomes := make(chan Outcome, 1)
	r := NewTaskRunner(1, 1, nil, logging.Discard(),
		WithTaskTimeout(10*time.Millisecond),
		WithObserver(func(o Outcome) { outcomes <- o }),
	)
	r.Start(context.Background())
	defer func() { _ = r.Stop(context.Background()) }()

	r.Submit(Task{Kind: TaskAnalysis, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	o := <-outcomes
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
}
