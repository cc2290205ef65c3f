package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQueueWithClient(client, "payment_jobs", zap.NewNop().Sugar()), mr
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, JobTypeFinalizeOrder, map[string]interface{}{"reference": "ref-1"}))

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeFinalizeOrder, job.Type)
	assert.Equal(t, "ref-1", job.String("reference"))
	assert.NotEmpty(t, job.ID)

	processing, err := mr.List("payment_jobs:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, q.CompleteJob(ctx, job))
	assert.False(t, mr.Exists("payment_jobs:processing"))
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := setupTestQueue(t)

	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailJobSchedulesRetryThenGivesUp(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()
	q.maxRetries = 2

	require.NoError(t, q.Enqueue(ctx, JobTypeClearCart, map[string]interface{}{"reference": "ref-1"}))
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.FailJob(ctx, job, errors.New("deadlock")))
	assert.False(t, mr.Exists("payment_jobs:processing"))
	delayed, err := mr.ZMembers("payment_jobs:delayed")
	require.NoError(t, err)
	require.Len(t, delayed, 1)

	job.RetryCount = 2
	require.NoError(t, q.FailJob(ctx, job, errors.New("deadlock")))
	failed, err := mr.List("payment_jobs:failed")
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	jobs, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "deadlock", jobs[0].LastError)
	assert.Equal(t, 3, jobs[0].RetryCount)
}

func TestProcessDelayedJobsMovesDueJobs(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.EnqueueDelayed(ctx, JobTypeReplayCallback, map[string]interface{}{"attempt": 1}, 5*time.Second))
	require.NoError(t, q.EnqueueDelayed(ctx, JobTypeReconcileTransaction, nil, time.Hour))

	moved, err := q.ProcessDelayedJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	now = now.Add(10 * time.Second)
	moved, err = q.ProcessDelayedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeReplayCallback, job.Type)
	assert.Equal(t, 1, job.Int("attempt"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(1), stats.Processing)
}

func TestRetryJobRequeuesFailedJob(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	q.maxRetries = 0

	require.NoError(t, q.Enqueue(ctx, JobTypeSendReceipt, map[string]interface{}{"reference": "ref-1"}))
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.FailJob(ctx, job, errors.New("smtp down")))

	require.NoError(t, q.RetryJob(ctx, job.ID))
	again, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Zero(t, again.RetryCount)

	assert.Error(t, q.RetryJob(ctx, "missing"))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 15*time.Second, RetryDelay(1))
	assert.Equal(t, 60*time.Second, RetryDelay(3))
}
