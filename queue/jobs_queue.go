package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobType string

const (
	JobTypeFinalizeOrder        JobType = "finalize_order"
	JobTypeClearCart            JobType = "clear_cart"
	JobTypeReconcileTransaction JobType = "reconcile_transaction"
	JobTypeReplayCallback       JobType = "replay_callback"
	JobTypeSendReceipt          JobType = "send_receipt"
)

const defaultMaxRetries = 5

type Job struct {
	ID         string                 `json:"id"`
	Type       JobType                `json:"type"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
	RetryCount int                    `json:"retry_count"`
	LastError  string                 `json:"last_error,omitempty"`

	// raw is the exact payload popped from Redis; LREM needs it byte for byte.
	raw string
}

func (j *Job) String(key string) string {
	if v, ok := j.Data[key].(string); ok {
		return v
	}
	return ""
}

// Int reads a numeric field; JSON decoding turns numbers into float64.
func (j *Job) Int(key string) int {
	switch v := j.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

type Queue struct {
	client     *redis.Client
	queueName  string
	processing string
	delayed    string
	failed     string
	maxRetries int
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewQueue(redisURL, queueName string, logger *zap.SugaredLogger) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewQueueWithClient(client, queueName, logger), nil
}

func NewQueueWithClient(client *redis.Client, queueName string, logger *zap.SugaredLogger) *Queue {
	return &Queue{
		client:     client,
		queueName:  queueName,
		processing: queueName + ":processing",
		delayed:    queueName + ":delayed",
		failed:     queueName + ":failed",
		maxRetries: defaultMaxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *Queue) newJob(jobType JobType, data map[string]interface{}) Job {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Data:      data,
		CreatedAt: q.now().UTC(),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobType JobType, data map[string]interface{}) error {
	job := q.newJob(jobType, data)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, q.queueName, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to push job to queue: %w", err)
	}

	q.logger.Infow("enqueued job", "job_id", job.ID, "job_type", job.Type)
	return nil
}

// EnqueueDelayed parks a job in the delayed set until delay has passed.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobType JobType, data map[string]interface{}, delay time.Duration) error {
	job := q.newJob(jobType, data)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	executeAt := q.now().Add(delay)
	err = q.client.ZAdd(ctx, q.delayed, &redis.Z{
		Score:  float64(executeAt.Unix()),
		Member: jobJSON,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push delayed job to queue: %w", err)
	}

	q.logger.Infow("enqueued delayed job", "job_id", job.ID, "job_type", job.Type, "execute_at", executeAt)
	return nil
}

// Dequeue blocks up to timeout for the next job and parks it in the
// processing list until CompleteJob or FailJob is called.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	payload, err := q.client.BLMove(ctx, q.queueName, q.processing, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job from queue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.client.LRem(ctx, q.processing, 1, payload)
		q.client.RPush(ctx, q.failed, payload)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Data == nil {
		job.Data = map[string]interface{}{}
	}
	job.raw = payload

	return &job, nil
}

func (q *Queue) CompleteJob(ctx context.Context, job *Job) error {
	if err := q.client.LRem(ctx, q.processing, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("failed to remove job from processing queue: %w", err)
	}

	q.logger.Debugw("completed job", "job_id", job.ID, "job_type", job.Type)
	return nil
}

// FailJob schedules a retry with exponential delay, or moves the job to the
// failed list once its retries are used up.
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	if err := q.client.LRem(ctx, q.processing, 1, job.raw).Err(); err != nil {
		q.logger.Warnw("failed to remove job from processing queue", "job_id", job.ID, "error", err)
	}

	job.RetryCount++
	job.LastError = jobErr.Error()

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if job.RetryCount <= q.maxRetries {
		delay := RetryDelay(job.RetryCount)
		retryAt := q.now().Add(delay)

		err := q.client.ZAdd(ctx, q.delayed, &redis.Z{
			Score:  float64(retryAt.Unix()),
			Member: jobJSON,
		}).Err()
		if err == nil {
			q.logger.Warnw("job scheduled for retry",
				"job_id", job.ID, "job_type", job.Type,
				"retry", job.RetryCount, "max_retries", q.maxRetries,
				"delay", delay, "error", jobErr)
			return nil
		}
		q.logger.Errorw("failed to add job to delayed queue, adding to failed queue", "job_id", job.ID, "error", err)
	}

	if err := q.client.RPush(ctx, q.failed, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to push job to failed queue: %w", err)
	}

	q.logger.Errorw("job moved to failed queue", "job_id", job.ID, "job_type", job.Type, "retries", job.RetryCount, "error", jobErr)
	return nil
}

// RetryDelay is 15s doubled for every earlier attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(15*(1<<(attempt-1))) * time.Second
}

// ProcessDelayedJobs moves every due delayed job to the main queue. A job is
// only pushed by the caller that managed to remove it from the delayed set.
func (q *Queue) ProcessDelayedJobs(ctx context.Context) (int, error) {
	jobs, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get delayed jobs: %w", err)
	}

	moved := 0
	for _, jobJSON := range jobs {
		removed, err := q.client.ZRem(ctx, q.delayed, jobJSON).Result()
		if err != nil {
			q.logger.Warnw("failed to remove job from delayed queue", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		if err := q.client.RPush(ctx, q.queueName, jobJSON).Err(); err != nil {
			q.logger.Errorw("failed to move delayed job to main queue", "error", err)
			continue
		}
		moved++
	}

	return moved, nil
}

// RetryJob moves a job from the failed list back to the main queue with its
// retry count reset.
func (q *Queue) RetryJob(ctx context.Context, jobID string) error {
	jobs, err := q.client.LRange(ctx, q.failed, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list failed jobs: %w", err)
	}

	for _, jobJSON := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}

		if err := q.client.LRem(ctx, q.failed, 1, jobJSON).Err(); err != nil {
			return fmt.Errorf("failed to remove job from failed queue: %w", err)
		}

		job.RetryCount = 0
		job.LastError = ""
		updated, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := q.client.RPush(ctx, q.queueName, updated).Err(); err != nil {
			return fmt.Errorf("failed to push job to main queue: %w", err)
		}

		q.logger.Infow("manually requeued job", "job_id", job.ID, "job_type", job.Type)
		return nil
	}

	return fmt.Errorf("job %s not found in failed queue", jobID)
}

// FailedJobs lists up to limit jobs from the failed list, oldest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]Job, error) {
	jobs, err := q.client.LRange(ctx, q.failed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	out := make([]Job, 0, len(jobs))
	for _, jobJSON := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *Queue) IsLastAttempt(job *Job) bool {
	return job.RetryCount >= q.maxRetries
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.queueName)
	processing := pipe.LLen(ctx, q.processing)
	delayed := pipe.ZCard(ctx, q.delayed)
	failed := pipe.LLen(ctx, q.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Failed:     failed.Val(),
	}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}
