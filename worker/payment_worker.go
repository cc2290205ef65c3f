package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/payment"
)

type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	CompleteJob(ctx context.Context, job *queue.Job) error
	FailJob(ctx context.Context, job *queue.Job, jobErr error) error
	ProcessDelayedJobs(ctx context.Context) (int, error)
}

// Payments is the part of the payment service the background jobs drive.
type Payments interface {
	HandleConfirmation(ctx context.Context, raw []byte) (*payment.Ack, error)
	ScheduleReplay(ctx context.Context, raw []byte, attempt int) error
	ExpireStale(ctx context.Context) (int, error)
	RequeueUnfinalized(ctx context.Context, olderThan time.Duration) (int, error)
	Reconcile(ctx context.Context, reference string) (*payment.Ack, error)
}

type Orders interface {
	Finalize(ctx context.Context, reference string) (*models.Order, error)
	ClearCart(ctx context.Context, reference string) error
	SendReceipt(ctx context.Context, reference string) error
}

type Options struct {
	Concurrency   int
	SweepInterval time.Duration
	PollTimeout   time.Duration
	JobTimeout    time.Duration
}

// Worker runs queued payment jobs and the periodic expiry sweep.
type Worker struct {
	jobs     JobSource
	payments Payments
	orders   Orders
	opts     Options
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWorker(jobs JobSource, payments Payments, orders Orders, opts Options, logger *zap.SugaredLogger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	return &Worker{
		jobs:     jobs,
		payments: payments,
		orders:   orders,
		opts:     opts,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.processJobs(ctx, id)
		}(i)
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.every(ctx, time.Second, w.promoteDelayed)
	}()
	go func() {
		defer w.wg.Done()
		w.every(ctx, w.opts.SweepInterval, w.Sweep)
	}()

	w.logger.Infow("worker started", "concurrency", w.opts.Concurrency, "sweep_interval", w.opts.SweepInterval.String())
}

// Stop waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}

	w.logger.Info("stopping worker")
	cancel()
	w.wg.Wait()
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) promoteDelayed(ctx context.Context) {
	if _, err := w.jobs.ProcessDelayedJobs(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warnw("failed to promote delayed jobs", "error", err)
	}
}

// Sweep expires transactions past their confirmation window and requeues
// confirmed transactions that never got an order.
func (w *Worker) Sweep(ctx context.Context) {
	expired, err := w.payments.ExpireStale(ctx)
	if err != nil {
		w.logger.Errorw("expiry sweep failed", "error", err)
	} else if expired > 0 {
		w.logger.Infow("expired stale transactions", "count", expired)
	}

	if _, err := w.payments.RequeueUnfinalized(ctx, w.opts.SweepInterval); err != nil {
		w.logger.Errorw("unfinalized order sweep failed", "error", err)
	}
}

func (w *Worker) processJobs(ctx context.Context, workerID int) {
	log := w.logger.With("worker_id", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.jobs.Dequeue(ctx, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("error dequeuing job", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.handle(log, job)
	}
}

// handle runs one job to completion even if the worker is stopping.
func (w *Worker) handle(log *zap.SugaredLogger, job *queue.Job) {
	log = log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.RetryCount+1)

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.JobTimeout)
	defer cancel()

	jobErr := w.ProcessJob(ctx, job)
	switch {
	case jobErr == nil:
		if err := w.jobs.CompleteJob(ctx, job); err != nil {
			log.Errorw("error marking job complete", "error", err)
		}
	case !retryable(jobErr):
		log.Errorw("job dropped", "error", jobErr)
		if err := w.jobs.CompleteJob(ctx, job); err != nil {
			log.Errorw("error removing dropped job", "error", err)
		}
	default:
		log.Warnw("job failed", "error", jobErr)
		if err := w.jobs.FailJob(ctx, job, jobErr); err != nil {
			log.Errorw("error marking job failed", "error", err)
		}
	}
}

// ProcessJob dispatches a job to the operation it names.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeReplayCallback:
		return w.replayCallback(ctx, job)
	}

	reference := job.String("reference")
	if reference == "" {
		return permanent(fmt.Errorf("job %s has no reference", job.ID))
	}

	switch job.Type {
	case queue.JobTypeFinalizeOrder:
		_, err := w.orders.Finalize(ctx, reference)
		if err != nil && !payment.IsRetryable(err) {
			return permanent(err)
		}
		return err
	case queue.JobTypeClearCart:
		return w.orders.ClearCart(ctx, reference)
	case queue.JobTypeSendReceipt:
		return w.orders.SendReceipt(ctx, reference)
	case queue.JobTypeReconcileTransaction:
		ack, err := w.payments.Reconcile(ctx, reference)
		if errors.Is(err, payment.ErrNotReconcilable) {
			return permanent(err)
		}
		if err != nil {
			return err
		}
		w.logger.Infow("transaction reconciled", "reference", reference, "outcome", ack.Outcome)
		return nil
	}
	return permanent(fmt.Errorf("unknown job type: %s", job.Type))
}

func (w *Worker) replayCallback(ctx context.Context, job *queue.Job) error {
	raw := []byte(job.String("payload"))
	_, err := w.payments.HandleConfirmation(ctx, raw)
	switch {
	case errors.Is(err, payment.ErrUnknownTransaction):
		return w.payments.ScheduleReplay(ctx, raw, job.Int("attempt")+1)
	case errors.Is(err, payment.ErrInvalidCallback), errors.Is(err, payment.ErrAmountMismatch):
		return permanent(err)
	}
	return err
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func retryable(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
