package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"AutoSedance-server/backend"
	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

const (
	DefaultJobListLimit = 20
	MaxJobListLimit     = 200
)

type OrchestratorConfig struct {
	// BackendTimeout bounds every backend call made by a job.
	BackendTimeout time.Duration
	// ScratchDir holds per-job working files; empty means the OS temp dir.
	ScratchDir string
}

// Orchestrator owns the per-project single-flight slot. It accepts job
// submissions, executes them through the backends and applies each result to
// the project atomically with the job's terminal state.
type Orchestrator struct {
	db         *gorm.DB
	blobs      BlobStore
	backends   backend.Set
	dispatcher Dispatcher
	cfg        OrchestratorConfig
	logger     *slog.Logger
}

func NewOrchestrator(db *gorm.DB, blobs BlobStore, backends backend.Set, dispatcher Dispatcher, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		db:         db,
		blobs:      blobs,
		backends:   backends,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

type SubmitRequest struct {
	Type                 string `json:"type" validate:"required,oneof=full_script segment_generate extract_frame analyze assemble"`
	Index                *int   `json:"index" validate:"omitempty,min=0"`
	Feedback             string `json:"feedback" validate:"max=8000"`
	Locale               string `json:"locale" validate:"max=35"`
	InvalidateDownstream *bool  `json:"invalidate_downstream"`
}

func segmentJob(jobType string) bool {
	switch jobType {
	case models.JobTypeSegmentGenerate, models.JobTypeExtractFrame, models.JobTypeAnalyze:
		return true
	}
	return false
}

// Submit validates the request, checks the job's prerequisites, claims the
// project's slot and hands the job to the dispatcher. A project that already
// has a non-terminal job yields CONFLICT.
func (o *Orchestrator) Submit(ctx context.Context, owner, projectID string, req SubmitRequest) (*models.Job, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if segmentJob(req.Type) && req.Index == nil {
		return nil, Validation("index is required for %s jobs", req.Type)
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Type:       req.Type,
		Status:     models.JobStatusQueued,
		Message:    "queued",
		MessageKey: "jobmsg.queued",
		Parameters: models.JobParameters{
			Feedback:             req.Feedback,
			Locale:               req.Locale,
			InvalidateDownstream: req.InvalidateDownstream == nil || *req.InvalidateDownstream,
		},
	}
	if segmentJob(req.Type) {
		idx := *req.Index
		job.SegmentIndex = &idx
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := visibleProject(tx, owner, projectID)
		if err != nil {
			return err
		}
		if p.ActiveJobID != nil {
			return Conflict(*p.ActiveJobID)
		}
		segs, err := models.GetSegments(tx, projectID)
		if err != nil {
			return storeErr("load segments", err)
		}
		if err := checkPreconditions(p, segs, job); err != nil {
			return err
		}
		if err := models.ClaimSlot(tx, projectID, job.ID); err != nil {
			if errors.Is(err, models.ErrSlotBusy) {
				return Conflict(activeJobID(tx, projectID))
			}
			return storeErr("claim project", err)
		}
		if err := models.CreateJob(tx, job); err != nil {
			return Storage("create job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("job submitted", jobAttrs(job)...)

	if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
		o.logger.Error("job dispatch failed", append(jobAttrs(job), slog.String("error", err.Error()))...)
		cause := Storage("dispatch job", err)
		if ferr := o.fail(context.WithoutCancel(ctx), job, &outcome{}, cause); ferr != nil {
			o.logger.Error("failed to record dispatch failure", slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
		}
		return nil, cause
	}
	return job, nil
}

func checkPreconditions(p *models.Project, segs []models.Segment, job *models.Job) error {
	n := workflow.ProjectSegments(p)
	var seg *models.Segment
	if job.SegmentIndex != nil {
		idx := *job.SegmentIndex
		if idx >= n {
			return NotFound("segment %d not found (project has %d segments)", idx, n)
		}
		if seg = findSegment(segs, idx); seg == nil {
			return NotFound("segment %d not found", idx)
		}
	}

	switch job.Type {
	case models.JobTypeFullScript:
	case models.JobTypeSegmentGenerate:
		if !p.HasFullScript() {
			return Precondition("full script is empty; generate it first")
		}
	case models.JobTypeExtractFrame, models.JobTypeAnalyze:
		if !seg.HasVideo() {
			return Precondition("segment %d has no uploaded video", seg.Index)
		}
	case models.JobTypeAssemble:
		if !workflow.AllCompleted(segs, n) {
			return Precondition("every segment must be completed before assembly")
		}
	default:
		return Validation("unknown job type %q", job.Type)
	}
	return nil
}

// Get returns the current snapshot of a job. It never blocks.
func (o *Orchestrator) Get(ctx context.Context, owner, projectID, jobID string) (*models.Job, error) {
	db := o.db.WithContext(ctx)
	if _, err := visibleProject(db, owner, projectID); err != nil {
		return nil, err
	}
	job, err := models.GetJob(db, projectID, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, NotFound("job %s not found", jobID)
		}
		return nil, Storage("load job", err)
	}
	return job, nil
}

// List returns the newest jobs of a project; limit is clamped to [1, 200].
func (o *Orchestrator) List(ctx context.Context, owner, projectID string, limit int) ([]models.Job, error) {
	db := o.db.WithContext(ctx)
	if _, err := visibleProject(db, owner, projectID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultJobListLimit
	case limit > MaxJobListLimit:
		limit = MaxJobListLimit
	}
	jobs, err := models.ListJobs(db, projectID, limit)
	if err != nil {
		return nil, Storage("list jobs", err)
	}
	return jobs, nil
}

// Cancel moves a queued job to canceled and frees the project. A job that is
// already running cannot be canceled.
func (o *Orchestrator) Cancel(ctx context.Context, owner, projectID, jobID string) (*models.Job, error) {
	var out *models.Job
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := visibleProject(tx, owner, projectID); err != nil {
			return err
		}
		job, err := models.GetJob(tx, projectID, jobID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return NotFound("job %s not found", jobID)
			}
			return Storage("load job", err)
		}
		ok, err := models.CancelQueuedJob(tx, jobID)
		if err != nil {
			return Storage("cancel job", err)
		}
		if !ok {
			if job, err = models.GetJob(tx, projectID, jobID); err != nil {
				return Storage("load job", err)
			}
			switch job.Status {
			case models.JobStatusCanceled:
				out = job
				return nil
			case models.JobStatusRunning:
				return Precondition("job %s is already running", jobID)
			}
			return Precondition("job %s is already %s", jobID, job.Status)
		}
		if err := models.ReleaseSlot(tx, projectID, jobID); err != nil {
			return Storage("release project", err)
		}
		out, err = models.GetJob(tx, projectID, jobID)
		if err != nil {
			return Storage("load job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("job canceled", jobAttrs(out)...)
	return out, nil
}

// Recover settles jobs left behind by a process that stopped: running jobs
// become failed and release their project, queued jobs are dispatched again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := models.ListJobsByStatus(o.db.WithContext(ctx), models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for i := range running {
		job := &running[i]
		var onFailure func(tx *gorm.DB, msg string) error
		if job.Type == models.JobTypeAnalyze && job.SegmentIndex != nil {
			idx := *job.SegmentIndex
			onFailure = func(tx *gorm.DB, msg string) error {
				return reopenSegment(tx, job.ProjectID, idx, models.SegmentStatusFailed, msg)
			}
		}
		cause := Backend("interrupted: the worker stopped before the job finished", nil)
		if err := o.fail(ctx, job, &outcome{onFailure: onFailure}, cause); err != nil {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		o.logger.Warn("interrupted job marked failed", jobAttrs(job)...)
	}

	queued, err := models.ListJobsByStatus(o.db.WithContext(ctx), models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	for i := range queued {
		if err := o.dispatcher.Dispatch(ctx, queued[i].ID); err != nil {
			return fmt.Errorf("redispatch job %s: %w", queued[i].ID, err)
		}
		o.logger.Info("queued job redispatched", jobAttrs(&queued[i])...)
	}
	return nil
}

// outcome is what a job runner hands back: the result payload, the write that
// applies it to the project and the write that records a failure.
type outcome struct {
	result    models.JobResult
	apply     func(tx *gorm.DB) error
	onFailure func(tx *gorm.DB, msg string) error
}

// Execute runs a queued job to a terminal state. Backend and storage failures
// are recorded on the job; the returned error only reports that the job's
// state itself could not be written.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	db := o.db.WithContext(ctx)
	job, err := models.GetJobByID(db, jobID)
	if errors.Is(err, models.ErrNotFound) {
		o.logger.Warn("job to execute not found", slog.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusQueued {
		o.logger.Debug("job not queued, skipping", slog.String("job_id", jobID), slog.String("status", job.Status))
		return nil
	}
	ok, err := models.MarkRunning(db, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	if !ok {
		return nil
	}
	job.Status = models.JobStatusRunning

	logger := o.logger.With(jobAttrs(job)...)
	logger.Info("job started")
	started := time.Now()

	// Results are persisted even when ctx is canceled mid-way.
	persistCtx := context.WithoutCancel(ctx)

	out := &outcome{}
	runErr := o.run(ctx, job, out)
	if runErr == nil {
		if runErr = o.succeed(persistCtx, job, out); runErr == nil {
			logger.Info("job succeeded", slog.Duration("elapsed", time.Since(started)))
			return nil
		}
	}

	if err := o.fail(persistCtx, job, out, runErr); err != nil {
		return fmt.Errorf("record failure of job %s: %w", jobID, err)
	}
	logger.Warn("job failed",
		slog.String("error_code", job.ErrorCode),
		slog.String("error", job.Error),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, job *models.Job, out *outcome) error {
	switch job.Type {
	case models.JobTypeFullScript:
		return o.runFullScript(ctx, job, out)
	case models.JobTypeSegmentGenerate:
		return o.runSegmentGenerate(ctx, job, out)
	case models.JobTypeExtractFrame:
		return o.runExtractFrame(ctx, job, out)
	case models.JobTypeAnalyze:
		return o.runAnalyze(ctx, job, out)
	case models.JobTypeAssemble:
		return o.runAssemble(ctx, job, out)
	}
	return Validation("unknown job type %q", job.Type)
}

// succeed applies the result, marks the job succeeded and releases the slot in
// one transaction.
func (o *Orchestrator) succeed(ctx context.Context, job *models.Job, out *outcome) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if out.apply != nil {
			if err := out.apply(tx); err != nil {
				return storeErr("apply job result", err)
			}
		}
		job.Status = models.JobStatusSucceeded
		job.Progress = 100
		job.Message = "done"
		job.MessageKey = "jobmsg.succeeded"
		job.MessageParams = nil
		job.Result = out.result
		if err := models.FinishJob(tx, job); err != nil {
			return Storage("finish job", err)
		}
		if err := models.ReleaseSlot(tx, job.ProjectID, job.ID); err != nil {
			return Storage("release project", err)
		}
		return nil
	})
}

// fail records cause on the job and releases the slot. The runner's failure
// write is part of the same transaction; if that write itself fails the job is
// still settled without it.
func (o *Orchestrator) fail(ctx context.Context, job *models.Job, out *outcome, cause error) error {
	code := CodeOf(cause, CodeBackendFailure)
	msg := MessageOf(cause)
	job.Status = models.JobStatusFailed
	job.Error = msg
	job.ErrorCode = string(code)
	job.Message = "failed"
	job.MessageKey = "jobmsg.failed"
	job.MessageParams = models.MessageParams{"code": string(code)}
	job.Result = out.result

	settle := func(withFailureWrite bool) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if withFailureWrite && out.onFailure != nil {
				if err := out.onFailure(tx, msg); err != nil {
					return err
				}
			}
			if err := models.FinishJob(tx, job); err != nil {
				return err
			}
			return models.ReleaseSlot(tx, job.ProjectID, job.ID)
		})
	}
	err := settle(true)
	if err != nil && out.onFailure != nil {
		o.logger.Error("failure write rejected, settling job only", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		err = settle(false)
	}
	return err
}

func (o *Orchestrator) progress(ctx context.Context, job *models.Job, pct int, msg, key string, params models.MessageParams) {
	job.Progress = pct
	job.Message = msg
	job.MessageKey = key
	job.MessageParams = params
	if err := models.UpdateJobProgress(o.db.WithContext(ctx), job.ID, pct, msg, key, params); err != nil {
		o.logger.Warn("job progress update failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// call runs one backend operation under the configured timeout and classifies
// its failure as BACKEND_FAILURE.
func (o *Orchestrator) call(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	bctx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()
	err := fn(bctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return Backend(what+" interrupted", err)
	case errors.Is(bctx.Err(), context.DeadlineExceeded):
		return Backend(fmt.Sprintf("%s timed out after %s", what, o.cfg.BackendTimeout), err)
	}
	return Backend(what+" failed", err)
}

func (o *Orchestrator) scratch(job *models.Job) (string, func(), error) {
	dir, err := os.MkdirTemp(o.cfg.ScratchDir, "job-"+job.ID+"-")
	if err != nil {
		return "", nil, Storage("create scratch dir", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// visibleProject loads a project the acting user may see. Projects owned by
// someone else read as missing.
func visibleProject(db *gorm.DB, owner, projectID string) (*models.Project, error) {
	p, err := models.GetProject(db, projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, NotFound("project %s not found", projectID)
		}
		return nil, Storage("load project", err)
	}
	if p.OwnerID != owner {
		return nil, NotFound("project %s not found", projectID)
	}
	return p, nil
}

func activeJobID(db *gorm.DB, projectID string) string {
	p, err := models.GetProject(db, projectID)
	if err != nil || p.ActiveJobID == nil {
		return ""
	}
	return *p.ActiveJobID
}

func findSegment(segs []models.Segment, index int) *models.Segment {
	for i := range segs {
		if segs[i].Index == index {
			return &segs[i]
		}
	}
	return nil
}

func jobAttrs(job *models.Job) []any {
	attrs := []any{
		slog.String("project_id", job.ProjectID),
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
	}
	if job.SegmentIndex != nil {
		attrs = append(attrs, slog.Int("index", *job.SegmentIndex))
	}
	return attrs
}
