package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

// Processor consumes job:run tasks from Redis and executes them.
type Processor struct {
	exec   Executor
	server *asynq.Server
	logger *slog.Logger
}

func NewProcessor(opt asynq.RedisClientOpt, queue string, concurrency int, exec Executor, logger *slog.Logger) *Processor {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
		Logger: asynqLogger{logger},
	})
	return &Processor{exec: exec, server: srv, logger: logger}
}

// Run processes tasks until ctx is done, then shuts the server down.
func (p *Processor) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunJob, p.HandleRunJob)

	p.logger.Info("starting job processor")
	if err := p.server.Start(mux); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	<-ctx.Done()
	p.server.Shutdown()
	return nil
}

// HandleRunJob executes one job. Job failures are recorded on the job itself,
// so only malformed payloads and store errors are reported back to asynq.
func (p *Processor) HandleRunJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("empty job id: %w", asynq.SkipRetry)
	}
	return p.exec.Execute(ctx, payload.JobID)
}

// asynqLogger adapts slog to asynq's logger interface.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
