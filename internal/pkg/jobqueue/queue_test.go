package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Empty(t, queue.handlers)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad payload", err.Error())
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func newRedisQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	q.SetRetryDelay(10 * time.Millisecond)
	return q, client
}

func storedJob(t *testing.T, client *redis.Client, id string) *Job {
	t.Helper()
	data, err := client.Get(context.Background(), JobKeyPrefix+id).Result()
	require.NoError(t, err)
	var job Job
	require.NoError(t, json.Unmarshal([]byte(data), &job))
	return &job
}

func TestQueue_ProcessSuccess(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	var seen *ExchangeJobPayload
	q.Handle(JobTypeExchange, func(_ context.Context, job *Job) error {
		p, err := ExchangeJobPayloadFromMap(job.Payload)
		seen = p
		return err
	})

	enqueued, err := q.EnqueueExchange(ctx, ExchangeJobPayload{RequestID: "req-1", Message: "ABCD1234 /100"})
	require.NoError(t, err)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, job.ID)
	q.processJob(ctx, job)

	require.NotNil(t, seen)
	assert.Equal(t, "req-1", seen.RequestID)

	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, redis.Nil, "completed jobs are removed")

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusPending])
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestQueue_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t)

	q.Handle(JobTypePoolRebuild, func(context.Context, *Job) error {
		return errors.New("redis timeout")
	})

	_, err := q.EnqueuePoolRebuild(ctx, PoolRebuildJobPayload{Country: "US", Amount: 100})
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored := storedJob(t, client, job.ID)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "redis timeout", stored.ErrorMsg)

	assert.Eventually(t, func() bool {
		n, _ := q.GetQueueSize(ctx)
		return n == 1
	}, time.Second, 5*time.Millisecond, "job is pushed back after the retry delay")
}

func TestQueue_PermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t)

	q.Handle(JobTypeExchange, func(context.Context, *Job) error {
		return Permanent(errors.New("malformed"))
	})

	_, err := q.EnqueueExchange(ctx, ExchangeJobPayload{RequestID: "req-2"})
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored := storedJob(t, client, job.ID)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, DefaultMaxRetries, stored.RetryCount)

	time.Sleep(30 * time.Millisecond)
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestQueue_UnknownJobType(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t)

	_, err := q.EnqueueJob(ctx, JobType("mystery"), map[string]interface{}{})
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored := storedJob(t, client, job.ID)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, ErrUnknownJobType.Error())
}

func TestQueue_RecoverStuck(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t)

	_, err := q.EnqueueExchange(ctx, ExchangeJobPayload{RequestID: "req-3"})
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	assert.Zero(t, q.recoverStuck(ctx, time.Hour, time.Now()), "fresh jobs stay put")
	assert.Equal(t, 1, q.recoverStuck(ctx, time.Hour, time.Now().Add(2*time.Hour)))

	stored := storedJob(t, client, job.ID)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "recovered by sweeper", stored.ErrorMsg)

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestQueue_WorkersDrainQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	var done atomic.Int32
	q.Handle(JobTypeExchange, func(context.Context, *Job) error {
		done.Add(1)
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.EnqueueExchange(ctx, ExchangeJobPayload{RequestID: id})
		require.NoError(t, err)
	}

	q.Start()
	assert.True(t, q.IsRunning())
	assert.Eventually(t, func() bool { return done.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	q.Stop()
	assert.False(t, q.IsRunning())
}

func TestQueue_StopRequeuesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t)

	started := make(chan string, 1)
	q.Handle(JobTypeExchange, func(ctx context.Context, job *Job) error {
		started <- job.ID
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := q.EnqueueExchange(ctx, ExchangeJobPayload{RequestID: "slow"})
	require.NoError(t, err)

	q.Start()
	var id string
	select {
	case id = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	q.Stop()

	stored := storedJob(t, client, id)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Zero(t, stored.RetryCount)
	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
