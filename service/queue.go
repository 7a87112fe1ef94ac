package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeRunJob = "job:run"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

// Executor runs one job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Dispatcher hands a queued job to something that will call Execute for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// AsynqDispatcher enqueues jobs on Redis for a Processor to pick up.
type AsynqDispatcher struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewAsynqDispatcher(opt asynq.RedisClientOpt, queue string, timeout time.Duration, logger *slog.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:  asynq.NewClient(opt),
		queue:   queue,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeRunJob, payload,
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),                    // retries are explicit resubmits
		asynq.TaskID(jobID),                  // one enqueue per job
		asynq.Timeout(d.timeout+time.Minute), // room to persist after the backend timeout
		asynq.Retention(24*time.Hour),
	)

	info, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.logger.Info("job already enqueued", slog.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	d.logger.Info("job enqueued", slog.String("job_id", jobID), slog.String("task_id", info.ID), slog.String("queue", info.Queue))
	return nil
}

// LocalDispatcher runs jobs on goroutines in the current process, bounded by
// concurrency.
type LocalDispatcher struct {
	mu     sync.Mutex
	exec   Executor
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewLocalDispatcher(concurrency int, logger *slog.Logger) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		sem:    make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Bind sets the executor jobs are handed to. It must be called before the
// first Dispatch.
func (d *LocalDispatcher) Bind(exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = exec
}

// Dispatch returns immediately; the job runs detached from ctx so that it
// outlives the request that submitted it.
func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	exec := d.exec
	d.mu.Unlock()
	if exec == nil {
		return errors.New("local dispatcher has no executor")
	}
	if d.ctx.Err() != nil {
		return errors.New("local dispatcher is shut down")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()

		if err := exec.Execute(d.ctx, jobID); err != nil {
			d.logger.Error("job execution failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels running jobs and waits for them, up to ctx.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
