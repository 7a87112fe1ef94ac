package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AutoSedance-server/service"
)

func newWorkerCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute jobs from the asynq queue",
		Long: "Execute jobs from the asynq queue. Run exactly one worker per deployment: " +
			"at startup it fails jobs left running by a previous worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cc)
		},
	}
}

func runWorker(ctx context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Mode != "asynq" {
		return fmt.Errorf("worker needs queue.mode=asynq (got %q); local mode runs jobs inside serve", cfg.Queue.Mode)
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.close()

	dispatcher := service.NewAsynqDispatcher(a.redisOpt(), cfg.Queue.Name, cfg.Jobs.BackendTimeout, a.logger)
	a.closers = append(a.closers, dispatcher.Close)
	orch := a.orchestrator(dispatcher)
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	processor := service.NewProcessor(a.redisOpt(), cfg.Queue.Name, cfg.Queue.Concurrency, orch, a.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })

	a.logger.Info("worker started",
		slog.String("queue", cfg.Queue.Name),
		slog.Int("concurrency", cfg.Queue.Concurrency))
	return g.Wait()
}
