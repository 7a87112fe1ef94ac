package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"AutoSedance-server/backend"
	"AutoSedance-server/config"
	"AutoSedance-server/models"
	"AutoSedance-server/service"
)

// app is the wiring shared by serve and worker.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	blobs    service.BlobStore
	backends backend.Set
	closers  []func() error
}

func openApp(ctx context.Context, cc *commandContext) (*app, error) {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cc.logger}

	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return nil, err
	}
	a.db = models.GormDB
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	a.logger.Info("database initialized", slog.String("driver", cfg.Database.Driver))

	switch cfg.Storage.Type {
	case "minio":
		a.blobs, err = service.NewMinIOStore(ctx, service.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			URLExpiry: cfg.Storage.URLExpiry,
		}, a.logger)
	default:
		a.blobs, err = service.NewLocalStore(cfg.Storage.Dir)
	}
	if err != nil {
		a.close()
		return nil, err
	}
	a.logger.Info("blob store initialized", slog.String("type", cfg.Storage.Type))

	if err := a.initBackends(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) initBackends(ctx context.Context) error {
	ffmpeg := backend.NewFFmpeg(a.cfg.Media.FFmpeg, a.cfg.Media.FFprobe, a.cfg.Media.ConcatMode)
	a.backends = backend.Set{Frames: ffmpeg, Assembler: ffmpeg}

	if a.cfg.AI.APIKey != "" {
		gemini, err := backend.NewGemini(ctx, backend.GeminiConfig{
			APIKey:      a.cfg.AI.APIKey,
			TextModel:   a.cfg.AI.TextModel,
			VisionModel: a.cfg.AI.VisionModel,
			Temperature: a.cfg.AI.Temperature,
		})
		if err != nil {
			return fmt.Errorf("init gemini: %w", err)
		}
		a.closers = append(a.closers, gemini.Close)
		a.backends.Script, a.backends.Segment, a.backends.Analyzer = gemini, gemini, gemini
	} else {
		a.logger.Warn("ai.api_key is empty; script generation and analysis are disabled")
		disabled := backend.Disabled{Reason: "ai.api_key is not set"}
		a.backends.Script, a.backends.Segment, a.backends.Analyzer = disabled, disabled, disabled
	}

	if a.cfg.Worker.Addr != "" {
		a.backends.Assembler = backend.NewRemoteWorker(a.cfg.Worker.Addr, a.cfg.Worker.PollInterval, a.logger)
		a.logger.Info("assembly delegated to remote worker", slog.String("addr", a.cfg.Worker.Addr))
	}
	return nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

func (a *app) orchestrator(d service.Dispatcher) *service.Orchestrator {
	return service.NewOrchestrator(a.db, a.blobs, a.backends, d, service.OrchestratorConfig{
		BackendTimeout: a.cfg.Jobs.BackendTimeout,
	}, a.logger)
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup failed", slog.String("error", err.Error()))
	}
}
