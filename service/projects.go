package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"AutoSedance-server/backend"
	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

type UploadConfig struct {
	MaxBytes    int64
	AllowedExts []string
	// ScratchDir holds spooled uploads; empty means the OS temp dir.
	ScratchDir string
}

// ProjectService handles project creation, reads and the direct edits a user
// makes between jobs. Every edit is rejected with CONFLICT while a job holds
// the project.
type ProjectService struct {
	db     *gorm.DB
	blobs  BlobStore
	frames backend.FrameExtractor
	upload UploadConfig
	logger *slog.Logger
}

func NewProjectService(db *gorm.DB, blobs BlobStore, frames backend.FrameExtractor, upload UploadConfig, logger *slog.Logger) *ProjectService {
	return &ProjectService{db: db, blobs: blobs, frames: frames, upload: upload, logger: logger}
}

type CreateProjectRequest struct {
	UserPrompt           string `json:"user_prompt" validate:"required,max=20000"`
	TotalDurationSeconds int    `json:"total_duration_seconds" validate:"required,min=1,max=7200"`
	SegmentDuration      int    `json:"segment_duration" validate:"omitempty,min=1,max=600"`
	Pacing               string `json:"pacing" validate:"omitempty,oneof=normal slow urgent"`
}

type UpdateFullScriptRequest struct {
	FullScript           *string `json:"full_script" validate:"required"`
	InvalidateDownstream *bool   `json:"invalidate_downstream"`
}

type UpdateSegmentRequest struct {
	SegmentScript        *string `json:"segment_script"`
	VideoPrompt          *string `json:"video_prompt"`
	InvalidateDownstream *bool   `json:"invalidate_downstream"`
}

type UpdateAnalysisRequest struct {
	VideoDescription string `json:"video_description" validate:"required"`
}

func invalidateFlag(v *bool) bool {
	return v == nil || *v
}

func (s *ProjectService) Create(ctx context.Context, owner string, req CreateProjectRequest) (*ProjectView, error) {
	req.UserPrompt = strings.TrimSpace(req.UserPrompt)
	if req.SegmentDuration == 0 {
		req.SegmentDuration = models.DefaultSegmentDuration
	}
	if req.Pacing == "" {
		req.Pacing = models.PacingNormal
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	p := &models.Project{
		ID:                   uuid.NewString(),
		OwnerID:              owner,
		UserPrompt:           req.UserPrompt,
		Pacing:               req.Pacing,
		TotalDurationSeconds: req.TotalDurationSeconds,
		SegmentDuration:      req.SegmentDuration,
		Canon:                models.CanonWindow{},
	}
	n := workflow.NumSegments(p.TotalDurationSeconds, p.SegmentDuration)
	if err := models.CreateProject(s.db.WithContext(ctx), p, n); err != nil {
		return nil, Storage("create project", err)
	}
	s.logger.Info("project created",
		slog.String("project_id", p.ID),
		slog.Int("num_segments", n),
		slog.String("pacing", p.Pacing))
	return s.Get(ctx, owner, p.ID, FullView)
}

// Get reads the project and its segments in one transaction so next_action
// never mixes two states.
func (s *ProjectService) Get(ctx context.Context, owner, projectID string, opts ViewOptions) (*ProjectView, error) {
	var view *ProjectView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := visibleProject(tx, owner, projectID)
		if err != nil {
			return err
		}
		segs, err := models.GetSegments(tx, projectID)
		if err != nil {
			return Storage("load segments", err)
		}
		view = newProjectView(p, segs, opts)
		return nil
	})
	return view, err
}

func (s *ProjectService) List(ctx context.Context, owner string) ([]ProjectSummary, error) {
	db := s.db.WithContext(ctx)
	projects, err := models.ListProjects(db, owner)
	if err != nil {
		return nil, Storage("list projects", err)
	}
	out := make([]ProjectSummary, 0, len(projects))
	for i := range projects {
		segs, err := models.GetSegments(db, projects[i].ID)
		if err != nil {
			return nil, Storage("load segments", err)
		}
		out = append(out, newProjectSummary(&projects[i], segs))
	}
	return out, nil
}

func (s *ProjectService) GetSegment(ctx context.Context, owner, projectID string, index int) (*SegmentView, error) {
	db := s.db.WithContext(ctx)
	p, err := visibleProject(db, owner, projectID)
	if err != nil {
		return nil, err
	}
	seg, err := segmentOf(db, p, index)
	if err != nil {
		return nil, err
	}
	v := newSegmentView(p, seg)
	return &v, nil
}

// edit runs fn on the project's state while holding the project row, then
// persists the project and the segments fn reports as changed.
func (s *ProjectService) edit(ctx context.Context, owner, projectID string, fn func(p *models.Project, segs []models.Segment) ([]*models.Segment, error)) (*ProjectView, error) {
	var view *ProjectView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := visibleProject(tx, owner, projectID); err != nil {
			return err
		}
		if err := models.LockIdle(tx, projectID); err != nil {
			return s.lockErr(tx, projectID, err)
		}
		p, segs, err := loadProjectState(tx, projectID)
		if err != nil {
			return storeErr("load project", err)
		}
		changed, err := fn(p, segs)
		if err != nil {
			return err
		}
		if err := saveProjectState(tx, p, changed); err != nil {
			return Storage("save project", err)
		}
		view = newProjectView(p, segs, FullView)
		return nil
	})
	return view, err
}

func (s *ProjectService) lockErr(tx *gorm.DB, projectID string, err error) error {
	if errors.Is(err, models.ErrSlotBusy) {
		return Conflict(activeJobID(tx, projectID))
	}
	return storeErr("lock project", err)
}

// UpdateFullScript replaces the full script. With invalidation every segment
// goes back to pending.
func (s *ProjectService) UpdateFullScript(ctx context.Context, owner, projectID string, req UpdateFullScriptRequest) (*ProjectView, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return s.edit(ctx, owner, projectID, func(p *models.Project, segs []models.Segment) ([]*models.Segment, error) {
		script := *req.FullScript
		p.FullScript = &script
		p.FinalVideoKey = nil
		if invalidateFlag(req.InvalidateDownstream) {
			return workflow.InvalidateAll(p, segs), nil
		}
		return nil, nil
	})
}

// UpdateSegment edits a segment's script and/or prompt.
func (s *ProjectService) UpdateSegment(ctx context.Context, owner, projectID string, index int, req UpdateSegmentRequest) (*ProjectView, error) {
	if req.SegmentScript == nil && req.VideoPrompt == nil {
		return nil, Validation("segment_script or video_prompt is required")
	}
	return s.edit(ctx, owner, projectID, func(p *models.Project, segs []models.Segment) ([]*models.Segment, error) {
		seg, err := indexedSegment(p, segs, index)
		if err != nil {
			return nil, err
		}
		if req.SegmentScript != nil {
			seg.SegmentScript = *req.SegmentScript
		}
		if req.VideoPrompt != nil {
			seg.VideoPrompt = *req.VideoPrompt
		}
		seg.Error = ""
		p.FinalVideoKey = nil
		if invalidateFlag(req.InvalidateDownstream) {
			return workflow.InvalidateFrom(p, segs, index), nil
		}
		if seg.HasScript() {
			markScriptReady(seg)
		}
		return []*models.Segment{seg}, nil
	})
}

// UpdateAnalysis stores a user-written description. On a segment that is not
// completed yet it completes the segment exactly like a successful analysis,
// continuity included, and needs the extracted frame. On a completed segment
// only the displayed text changes.
func (s *ProjectService) UpdateAnalysis(ctx context.Context, owner, projectID string, index int, req UpdateAnalysisRequest) (*ProjectView, error) {
	req.VideoDescription = strings.TrimSpace(req.VideoDescription)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return s.edit(ctx, owner, projectID, func(p *models.Project, segs []models.Segment) ([]*models.Segment, error) {
		seg, err := indexedSegment(p, segs, index)
		if err != nil {
			return nil, err
		}
		desc := req.VideoDescription
		p.FinalVideoKey = nil
		if seg.Status == models.SegmentStatusCompleted {
			seg.VideoDescription = &desc
			return []*models.Segment{seg}, nil
		}
		if !seg.HasFrame() {
			return nil, Precondition("segment %d has no extracted frame", index)
		}
		if err := workflow.Transition(seg, models.SegmentStatusCompleted); err != nil {
			return nil, Precondition("%v", err)
		}
		seg.VideoDescription = &desc
		seg.Error = ""
		workflow.RecordAnalysis(p, segs, index, desc)
		return []*models.Segment{seg}, nil
	})
}

// UploadVideo stores a segment video, then extracts its last frame. A failed
// extraction leaves a warning on the segment and never fails the upload.
func (s *ProjectService) UploadVideo(ctx context.Context, owner, projectID string, index int, filename string, r io.Reader) (*SegmentView, error) {
	ext := strings.ToLower(path.Ext(filename))
	if !slices.Contains(s.upload.AllowedExts, ext) {
		return nil, Validation("file extension %q is not allowed (allowed: %s)", ext, strings.Join(s.upload.AllowedExts, ", "))
	}

	db := s.db.WithContext(ctx)
	p, err := visibleProject(db, owner, projectID)
	if err != nil {
		return nil, err
	}
	if p.ActiveJobID != nil {
		return nil, Conflict(*p.ActiveJobID)
	}
	seg, err := segmentOf(db, p, index)
	if err != nil {
		return nil, err
	}
	if !seg.HasScript() {
		return nil, Precondition("segment %d has no script yet; generate it before uploading", index)
	}

	dir, err := os.MkdirTemp(s.upload.ScratchDir, "upload-")
	if err != nil {
		return nil, Storage("create upload dir", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "video"+ext)
	size, err := s.spool(r, local)
	if err != nil {
		return nil, err
	}
	mt, err := mimetype.DetectFile(local)
	if err != nil {
		return nil, Storage("inspect upload", err)
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		return nil, Validation("uploaded file is %s, not a video", mt.String())
	}

	key := VideoKey(projectID, index, newBlobToken(), ext)
	if err := putFile(ctx, s.blobs, key, local); err != nil {
		return nil, Storage("store video", err)
	}

	var oldKey, oldFrame string
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := models.LockIdle(tx, projectID); err != nil {
			return s.lockErr(tx, projectID, err)
		}
		p, err := models.GetProject(tx, projectID)
		if err != nil {
			return storeErr("load project", err)
		}
		seg, err := models.GetSegment(tx, projectID, index)
		if err != nil {
			return storeErr("load segment", err)
		}
		if seg.HasVideo() {
			oldKey = *seg.VideoKey
		}
		if seg.HasFrame() {
			oldFrame = *seg.FrameKey
		}
		if err := workflow.ReplaceVideo(p, seg, key); err != nil {
			return Precondition("%v", err)
		}
		return saveProjectState(tx, p, []*models.Segment{seg})
	})
	if err != nil {
		s.deleteBlob(ctx, key, "rejected upload")
		return nil, storeErr("save upload", err)
	}
	for _, k := range []string{oldKey, oldFrame} {
		if k != "" && k != key {
			s.deleteBlob(ctx, k, "replaced asset")
		}
	}
	s.logger.Info("segment video uploaded",
		slog.String("project_id", projectID),
		slog.Int("index", index),
		slog.Int64("size", size),
		slog.String("mime", mt.String()))

	s.extractFrame(ctx, projectID, index, key, dir, local)
	return s.GetSegment(ctx, owner, projectID, index)
}

// spool copies the upload to dst, refusing anything over the size limit.
func (s *ProjectService) spool(r io.Reader, dst string) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, Storage("spool upload", err)
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, s.upload.MaxBytes+1))
	if err != nil {
		return 0, Storage("spool upload", err)
	}
	if n > s.upload.MaxBytes {
		return 0, &Error{Code: CodeUploadTooLarge, Message: fmt.Sprintf("upload exceeds %d bytes", s.upload.MaxBytes)}
	}
	if n == 0 {
		return 0, Validation("uploaded file is empty")
	}
	return n, nil
}

// extractFrame is the best-effort step of an upload. The frame is only kept if
// the segment still holds videoKey and no job took the project meanwhile.
func (s *ProjectService) extractFrame(ctx context.Context, projectID string, index int, videoKey, dir, videoPath string) {
	logger := s.logger.With(slog.String("project_id", projectID), slog.Int("index", index))

	var frameKey, warning string
	framePath := filepath.Join(dir, "frame.jpg")
	if err := s.frames.ExtractFrame(ctx, videoPath, framePath); err != nil {
		warning = warningFrameExtract + ": " + err.Error()
	} else if err := putFile(ctx, s.blobs, FrameKey(videoKey), framePath); err != nil {
		warning = warningFrameExtract + ": store frame: " + err.Error()
	} else {
		frameKey = FrameKey(videoKey)
	}
	if warning != "" {
		logger.Warn("frame extraction failed", slog.String("warning", warning))
	}

	var stale string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.LockIdle(tx, projectID); err != nil {
			return err
		}
		seg, err := models.GetSegment(tx, projectID, index)
		if err != nil {
			return err
		}
		if !seg.HasVideo() || *seg.VideoKey != videoKey {
			stale = frameKey
			return nil
		}
		seg.Warnings = dropWarnings(seg.Warnings, warningFrameExtract)
		if frameKey != "" {
			seg.FrameKey = &frameKey
		} else {
			seg.Warnings = append(seg.Warnings, warning)
		}
		return models.SaveSegments(tx, seg)
	})
	if err != nil {
		logger.Warn("frame result not recorded", slog.String("error", err.Error()))
	}
	// the video was replaced meanwhile and its frame is nobody's
	if stale != "" {
		s.deleteBlob(ctx, stale, "stale frame")
	}
}

func (s *ProjectService) deleteBlob(ctx context.Context, key, what string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to delete "+what, slog.String("key", key), slog.String("error", err.Error()))
	}
}

type AssetKind string

const (
	AssetVideo AssetKind = "video"
	AssetFrame AssetKind = "frame"
	AssetFinal AssetKind = "final"
)

// Asset is an open blob ready to stream to a client.
type Asset struct {
	Body        io.ReadCloser
	ContentType string
	Name        string
}

// OpenAsset opens a segment video, a segment frame or the final video.
// index is ignored for AssetFinal.
func (s *ProjectService) OpenAsset(ctx context.Context, owner, projectID string, kind AssetKind, index int) (*Asset, error) {
	db := s.db.WithContext(ctx)
	p, err := visibleProject(db, owner, projectID)
	if err != nil {
		return nil, err
	}

	var key *string
	var name string
	switch kind {
	case AssetFinal:
		key = p.FinalVideoKey
		name = "final"
	case AssetVideo, AssetFrame:
		seg, err := segmentOf(db, p, index)
		if err != nil {
			return nil, err
		}
		key = seg.VideoKey
		name = fmt.Sprintf("segment_%03d", index+1)
		if kind == AssetFrame {
			key = seg.FrameKey
			name += "_frame"
		}
	default:
		return nil, Validation("unknown asset kind %q", kind)
	}
	if key == nil || *key == "" {
		return nil, NotFound("%s not available", kind)
	}

	rc, err := s.blobs.Open(ctx, *key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, NotFound("%s not available", kind)
		}
		return nil, Storage("open "+string(kind), err)
	}
	return &Asset{Body: rc, ContentType: ContentTypeFor(*key), Name: name + path.Ext(*key)}, nil
}

func segmentOf(db *gorm.DB, p *models.Project, index int) (*models.Segment, error) {
	n := workflow.ProjectSegments(p)
	if index < 0 || index >= n {
		return nil, NotFound("segment %d not found (project has %d segments)", index, n)
	}
	seg, err := models.GetSegment(db, p.ID, index)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, NotFound("segment %d not found", index)
		}
		return nil, Storage("load segment", err)
	}
	return seg, nil
}

func indexedSegment(p *models.Project, segs []models.Segment, index int) (*models.Segment, error) {
	n := workflow.ProjectSegments(p)
	if index < 0 || index >= n {
		return nil, NotFound("segment %d not found (project has %d segments)", index, n)
	}
	seg := findSegment(segs, index)
	if seg == nil {
		return nil, NotFound("segment %d not found", index)
	}
	return seg, nil
}
