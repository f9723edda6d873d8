package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	jobTracer          = otel.Tracer("quotepush/scheduler")
	jobMeter           = otel.Meter("quotepush/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

// ErrQueueFull is returned by Submit when the job queue has no free slot.
var ErrQueueFull = errors.New("job queue full")

// ErrPoolClosed is returned by Submit after shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

const defaultJobTimeout = 120 * time.Second

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	workerCount int
	jobTimeout  time.Duration
	jobs        chan Job
	logger      *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool with workerCount workers and room for
// queueSize pending jobs. Start must be called before jobs run.
func NewWorkerPool(workerCount, queueSize int, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		jobTimeout:  defaultJobTimeout,
		jobs:        make(chan Job, queueSize),
		logger:      logger.With("component", "worker_pool"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool", "workers", wp.workerCount, "queue_size", cap(wp.jobs))

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(id, job)
		}
	}
}

// processJob executes a single job with a timeout, a span and job metrics.
func (wp *WorkerPool) processJob(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.user_id", job.UserID()),
		),
	)
	defer span.End()

	start := time.Now()
	log := wp.logger.With("worker", workerID, "job", job.Description(), "user_id", job.UserID())

	if err := job.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		jobDuration.Record(ctx, time.Since(start).Seconds())
		log.Error("job failed", "error", err)
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	jobDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("job completed", "duration", time.Since(start))
}

// Submit enqueues a job without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrPoolClosed once shutdown has started.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case <-wp.ctx.Done():
		return ErrPoolClosed
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		wp.logger.Warn("job queue full, dropping job", "job", job.Description(), "user_id", job.UserID())
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, job.Description())
	}
}

// closeQueue stops accepting jobs. It is safe to call more than once.
func (wp *WorkerPool) closeQueue() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return false
	}
	wp.closed = true
	close(wp.jobs)
	return true
}

// Shutdown stops accepting jobs, drains the queue and waits for workers.
func (wp *WorkerPool) Shutdown() {
	if !wp.closeQueue() {
		return
	}
	wp.logger.Info("worker pool draining")
	wp.wg.Wait()
	wp.cancel()
	wp.logger.Info("worker pool stopped")
}

// ShutdownWithTimeout drains like Shutdown but cancels running jobs when
// the workers have not finished within timeout.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	if !wp.closeQueue() {
		return
	}

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped")
	case <-time.After(timeout):
		wp.logger.Warn("worker pool shutdown timed out, cancelling jobs", "timeout", timeout)
		wp.cancel()
		<-done
	}
	wp.cancel()
}
