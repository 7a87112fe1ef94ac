package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AutoSedance-server/routers"
	"AutoSedance-server/routers/api"
	"AutoSedance-server/service"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(cc *commandContext) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Run the HTTP API. With queue.mode=local jobs run inside this process; " +
			"with queue.mode=asynq they are enqueued for `worker` unless --worker is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cc, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also process the asynq queue in this process")
	return cmd
}

func runServe(ctx context.Context, cc *commandContext, withWorker bool) error {
	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	g, gctx := errgroup.WithContext(ctx)

	var orch *service.Orchestrator
	var local *service.LocalDispatcher
	executes := true
	switch cfg.Queue.Mode {
	case "asynq":
		dispatcher := service.NewAsynqDispatcher(a.redisOpt(), cfg.Queue.Name, cfg.Jobs.BackendTimeout, logger)
		a.closers = append(a.closers, dispatcher.Close)
		orch = a.orchestrator(dispatcher)
		if withWorker {
			processor := service.NewProcessor(a.redisOpt(), cfg.Queue.Name, cfg.Queue.Concurrency, orch, logger)
			g.Go(func() error { return processor.Run(gctx) })
		} else {
			executes = false
		}
	default:
		local = service.NewLocalDispatcher(cfg.Queue.Concurrency, logger)
		orch = a.orchestrator(local)
		local.Bind(orch)
	}
	// Recover is only safe in the process that executes jobs.
	if executes {
		if err := orch.Recover(ctx); err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
	}

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}
	projects := service.NewProjectService(a.db, a.blobs, a.backends.Frames, service.UploadConfig{
		MaxBytes:    maxUpload,
		AllowedExts: cfg.Upload.AllowedExts,
	}, logger)
	h := api.NewHandler(projects, orch, service.NewPoller(cfg.Jobs.PollInterval), logger)

	gin.SetMode(gin.ReleaseMode)
	engine := routers.InitRouter(h, logger)
	// multipart parts beyond this spill to disk
	engine.MaxMultipartMemory = 32 << 20

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", api.UserHeader}),
	)
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      cors(engine),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", srv.Addr), slog.String("queue", cfg.Queue.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if local != nil {
			err = errors.Join(err, local.Shutdown(shutdownCtx))
		}
		logger.Info("server stopped")
		return err
	})
	return g.Wait()
}
