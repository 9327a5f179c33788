package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finished struct {
	job Job
	err error
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var calls int32
	done := make(chan finished, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, QueueConfig{MaxRetries: 2, RetryDelay: 5 * time.Millisecond, OnFinish: func(j Job, err error) {
		done <- finished{j, err}
	}})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-1"}))
	select {
	case f := <-done:
		assert.NoError(t, f.err)
		assert.Equal(t, 1, f.job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueueDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int32
	done := make(chan finished, 1)
	cause := errors.New("infeasible")
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(cause)
	}, QueueConfig{MaxRetries: 3, RetryDelay: time.Millisecond, OnFinish: func(j Job, err error) {
		done <- finished{j, err}
	}})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-1"}))
	select {
	case f := <-done:
		assert.True(t, errors.Is(f.err, cause))
		assert.True(t, IsPermanent(f.err))
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueueRejectsWhenNotStartedOrFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	assert.Error(t, q.Enqueue(Job{ID: "early"}))

	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop()
	}()

	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = q.Enqueue(Job{ID: "b"})
	}
	assert.True(t, errors.Is(full, ErrQueueFull))
}
