package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"AutoSedance-server/backend"
	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

// warningFrameExtract prefixes the segment warning left by a failed frame extraction.
const warningFrameExtract = "frame_extraction_failed"

func segmentParams(index int) models.MessageParams {
	return models.MessageParams{"n": fmt.Sprintf("%03d", index+1)}
}

func (o *Orchestrator) runFullScript(ctx context.Context, job *models.Job, out *outcome) error {
	p, err := models.GetProject(o.db.WithContext(ctx), job.ProjectID)
	if err != nil {
		return storeErr("load project", err)
	}

	o.progress(ctx, job, 10, "Composing script request", "jobmsg.full_script.composing", nil)
	req := backend.ScriptRequest{
		Prompt:         p.UserPrompt,
		Pacing:         p.Pacing,
		TotalSeconds:   p.TotalDurationSeconds,
		SegmentSeconds: p.SegmentDuration,
		NumSegments:    workflow.ProjectSegments(p),
		Feedback:       job.Parameters.Feedback,
		Locale:         job.Parameters.Locale,
	}
	if p.FullScript != nil && strings.TrimSpace(job.Parameters.Feedback) != "" {
		req.CurrentScript = *p.FullScript
	}

	o.progress(ctx, job, 30, "Calling LLM", "jobmsg.full_script.calling_llm", nil)
	var script string
	err = o.call(ctx, "script generation", func(ctx context.Context) error {
		var err error
		script, err = o.backends.Script.GenerateScript(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	script = strings.TrimSpace(script)
	if script == "" {
		return Backend("script generation returned no text", backend.ErrEmptyOutput)
	}

	o.progress(ctx, job, 90, "Saving script", "jobmsg.full_script.saving", nil)
	out.result.FullScriptLength = len([]rune(script))
	invalidate := job.Parameters.InvalidateDownstream
	out.apply = func(tx *gorm.DB) error {
		p, segs, err := loadProjectState(tx, job.ProjectID)
		if err != nil {
			return err
		}
		p.FullScript = &script
		var changed []*models.Segment
		if invalidate {
			changed = workflow.InvalidateAll(p, segs)
		}
		return saveProjectState(tx, p, changed)
	}
	return nil
}

func (o *Orchestrator) runSegmentGenerate(ctx context.Context, job *models.Job, out *outcome) error {
	idx := *job.SegmentIndex
	params := segmentParams(idx)
	out.result.Index = &idx
	out.onFailure = func(tx *gorm.DB, msg string) error {
		return models.SetSegmentError(tx, job.ProjectID, idx, msg)
	}

	p, err := models.GetProject(o.db.WithContext(ctx), job.ProjectID)
	if err != nil {
		return storeErr("load project", err)
	}
	if !p.HasFullScript() {
		return Precondition("full script is empty; generate it first")
	}

	o.progress(ctx, job, 10, fmt.Sprintf("Composing prompt for segment %s", params["n"]), "jobmsg.segment.composing", params)
	start, end := workflow.TimeRange(p.TotalDurationSeconds, p.SegmentDuration, idx)
	req := backend.SegmentRequest{
		Index:        idx,
		NumSegments:  workflow.ProjectSegments(p),
		StartSeconds: start,
		EndSeconds:   end,
		Pacing:       p.Pacing,
		FullScript:   *p.FullScript,
		Continuity:   workflow.CanonText(workflow.ContextFor(p, idx)),
		Feedback:     job.Parameters.Feedback,
		Locale:       job.Parameters.Locale,
	}

	o.progress(ctx, job, 30, "Calling LLM", "jobmsg.segment.calling_llm", params)
	var res backend.SegmentResult
	err = o.call(ctx, "segment generation", func(ctx context.Context) error {
		var err error
		res, err = o.backends.Segment.GenerateSegment(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Script) == "" && strings.TrimSpace(res.VideoPrompt) == "" {
		return Backend("segment generation returned no text", backend.ErrEmptyOutput)
	}

	o.progress(ctx, job, 90, "Saving segment", "jobmsg.segment.saving", params)
	invalidate := job.Parameters.InvalidateDownstream
	out.apply = func(tx *gorm.DB) error {
		p, segs, err := loadProjectState(tx, job.ProjectID)
		if err != nil {
			return err
		}
		s := findSegment(segs, idx)
		if s == nil {
			return NotFound("segment %d not found", idx)
		}
		s.SegmentScript = res.Script
		s.VideoPrompt = res.VideoPrompt
		s.Error = ""
		changed := []*models.Segment{s}
		if invalidate {
			changed = workflow.InvalidateFrom(p, segs, idx)
		} else {
			markScriptReady(s)
		}
		return saveProjectState(tx, p, changed)
	}
	return nil
}

// markScriptReady moves a segment that was waiting for text forward without
// touching its assets.
func markScriptReady(s *models.Segment) {
	switch s.Status {
	case models.SegmentStatusPending:
		s.Status = models.SegmentStatusScriptReady
	case models.SegmentStatusFailed:
		if s.HasVideo() {
			s.Status = models.SegmentStatusWaitingVideo
		} else {
			s.Status = models.SegmentStatusScriptReady
		}
	}
}

func (o *Orchestrator) runExtractFrame(ctx context.Context, job *models.Job, out *outcome) error {
	idx := *job.SegmentIndex
	params := segmentParams(idx)
	out.result.Index = &idx
	out.onFailure = func(tx *gorm.DB, msg string) error {
		return addSegmentWarning(tx, job.ProjectID, idx, warningFrameExtract+": "+msg)
	}

	seg, err := models.GetSegment(o.db.WithContext(ctx), job.ProjectID, idx)
	if err != nil {
		return storeErr("load segment", err)
	}
	if !seg.HasVideo() {
		return Precondition("segment %d has no uploaded video", idx)
	}

	dir, cleanup, err := o.scratch(job)
	if err != nil {
		return err
	}
	defer cleanup()

	o.progress(ctx, job, 20, "Fetching video", "jobmsg.frame.fetching", params)
	frameKey, err := o.extractAndStoreFrame(ctx, job, *seg.VideoKey, dir, params)
	if err != nil {
		return err
	}

	out.result.FrameKey = frameKey
	videoKey := *seg.VideoKey
	out.apply = func(tx *gorm.DB) error {
		s, err := models.GetSegment(tx, job.ProjectID, idx)
		if err != nil {
			return err
		}
		if !s.HasVideo() || *s.VideoKey != videoKey {
			return Precondition("segment %d video changed during extraction", idx)
		}
		s.FrameKey = &frameKey
		s.Warnings = dropWarnings(s.Warnings, warningFrameExtract)
		return models.SaveSegments(tx, s)
	}
	return nil
}

// extractAndStoreFrame fetches the video at videoKey into dir, extracts its
// last frame and stores it next to the video.
func (o *Orchestrator) extractAndStoreFrame(ctx context.Context, job *models.Job, videoKey, dir string, params models.MessageParams) (string, error) {
	videoPath := filepath.Join(dir, "video"+path.Ext(videoKey))
	if err := fetchBlob(ctx, o.blobs, videoKey, videoPath); err != nil {
		return "", Storage("fetch video", err)
	}

	o.progress(ctx, job, 40, "Extracting last frame", "jobmsg.frame.extracting", params)
	framePath := filepath.Join(dir, "frame.jpg")
	err := o.call(ctx, "frame extraction", func(ctx context.Context) error {
		return o.backends.Frames.ExtractFrame(ctx, videoPath, framePath)
	})
	if err != nil {
		return "", err
	}

	frameKey := FrameKey(videoKey)
	if err := putFile(ctx, o.blobs, frameKey, framePath); err != nil {
		return "", Storage("store frame", err)
	}
	return frameKey, nil
}

func (o *Orchestrator) runAnalyze(ctx context.Context, job *models.Job, out *outcome) error {
	idx := *job.SegmentIndex
	params := segmentParams(idx)
	out.result.Index = &idx

	db := o.db.WithContext(ctx)
	p, err := models.GetProject(db, job.ProjectID)
	if err != nil {
		return storeErr("load project", err)
	}
	seg, err := models.GetSegment(db, job.ProjectID, idx)
	if err != nil {
		return storeErr("load segment", err)
	}
	if !seg.HasVideo() {
		return Precondition("segment %d has no uploaded video", idx)
	}
	if err := workflow.Transition(seg, models.SegmentStatusAnalyzing); err != nil {
		return Precondition("%v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		return reopenSegment(tx, job.ProjectID, idx, models.SegmentStatusAnalyzing, "")
	})
	if err != nil {
		return Storage("mark segment analyzing", err)
	}
	out.onFailure = func(tx *gorm.DB, msg string) error {
		return reopenSegment(tx, job.ProjectID, idx, models.SegmentStatusFailed, msg)
	}

	dir, cleanup, err := o.scratch(job)
	if err != nil {
		return err
	}
	defer cleanup()

	var frameKey string
	framePath := filepath.Join(dir, "frame.jpg")
	if seg.HasFrame() {
		o.progress(ctx, job, 20, "Fetching last frame", "jobmsg.analyze.fetching_frame", params)
		frameKey = *seg.FrameKey
		if err := fetchBlob(ctx, o.blobs, frameKey, framePath); err != nil {
			return Storage("fetch frame", err)
		}
	} else {
		o.progress(ctx, job, 20, "Fetching video", "jobmsg.frame.fetching", params)
		if frameKey, err = o.extractAndStoreFrame(ctx, job, *seg.VideoKey, dir, params); err != nil {
			return err
		}
	}

	o.progress(ctx, job, 60, "Analyzing last frame", "jobmsg.analyze.calling_vlm", params)
	start, end := workflow.TimeRange(p.TotalDurationSeconds, p.SegmentDuration, idx)
	req := backend.AnalyzeRequest{
		Index:         idx,
		StartSeconds:  start,
		EndSeconds:    end,
		SegmentScript: seg.SegmentScript,
		FramePath:     framePath,
		Locale:        job.Parameters.Locale,
	}
	var desc string
	err = o.call(ctx, "frame analysis", func(ctx context.Context) error {
		var err error
		desc, err = o.backends.Analyzer.AnalyzeFrame(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return Backend("frame analysis returned no text", backend.ErrEmptyOutput)
	}

	o.progress(ctx, job, 90, "Updating continuity", "jobmsg.analyze.saving", params)
	out.result.FrameKey = frameKey
	out.apply = func(tx *gorm.DB) error {
		p, segs, err := loadProjectState(tx, job.ProjectID)
		if err != nil {
			return err
		}
		s := findSegment(segs, idx)
		if s == nil {
			return NotFound("segment %d not found", idx)
		}
		if err := workflow.Transition(s, models.SegmentStatusCompleted); err != nil {
			return Precondition("%v", err)
		}
		s.FrameKey = &frameKey
		s.VideoDescription = &desc
		s.Error = ""
		s.Warnings = dropWarnings(s.Warnings, warningFrameExtract)
		workflow.RecordAnalysis(p, segs, idx, desc)
		return saveProjectState(tx, p, []*models.Segment{s})
	}
	return nil
}

func (o *Orchestrator) runAssemble(ctx context.Context, job *models.Job, out *outcome) error {
	p, segs, err := loadProjectState(o.db.WithContext(ctx), job.ProjectID)
	if err != nil {
		return storeErr("load project", err)
	}
	n := workflow.ProjectSegments(p)
	if !workflow.AllCompleted(segs, n) {
		return Precondition("every segment must be completed before assembly")
	}

	dir, cleanup, err := o.scratch(job)
	if err != nil {
		return err
	}
	defer cleanup()

	clips := make([]backend.Clip, 0, n)
	for i := range segs {
		s := &segs[i]
		if s.Index >= n {
			continue
		}
		if !s.HasVideo() {
			return Precondition("segment %d has no uploaded video", s.Index)
		}
		o.progress(ctx, job, 10+40*i/n, "Fetching segment videos", "jobmsg.assemble.fetching", segmentParams(s.Index))
		local := filepath.Join(dir, fmt.Sprintf("%03d%s", s.Index, path.Ext(*s.VideoKey)))
		if err := fetchBlob(ctx, o.blobs, *s.VideoKey, local); err != nil {
			return Storage("fetch segment video", err)
		}
		clip := backend.Clip{Path: local}
		if u, err := o.blobs.URL(ctx, *s.VideoKey); err == nil {
			clip.URL = u
		} else if !errors.Is(err, ErrNoURL) {
			return Storage("sign segment video url", err)
		}
		clips = append(clips, clip)
	}

	o.progress(ctx, job, 60, "Concatenating segments", "jobmsg.assemble.concatenating", models.MessageParams{"count": fmt.Sprint(len(clips))})
	output := filepath.Join(dir, "output.mp4")
	err = o.call(ctx, "video assembly", func(ctx context.Context) error {
		return o.backends.Assembler.Assemble(ctx, backend.AssembleRequest{
			ProjectID:  job.ProjectID,
			Clips:      clips,
			OutputPath: output,
		})
	})
	if err != nil {
		return err
	}

	o.progress(ctx, job, 90, "Storing final video", "jobmsg.assemble.saving", nil)
	key := FinalKey(job.ProjectID)
	if err := putFile(ctx, o.blobs, key, output); err != nil {
		return Storage("store final video", err)
	}
	out.result.FinalVideoKey = key
	out.apply = func(tx *gorm.DB) error {
		p, err := models.GetProject(tx, job.ProjectID)
		if err != nil {
			return err
		}
		p.FinalVideoKey = &key
		return models.SaveProjectState(tx, p)
	}
	return nil
}

// reopenSegment moves segment idx to status, pulling the project's cursor and
// canon back so that neither counts it as completed.
func reopenSegment(tx *gorm.DB, projectID string, idx int, status, errMsg string) error {
	p, err := models.GetProject(tx, projectID)
	if err != nil {
		return err
	}
	workflow.Reopen(p, idx)
	if err := models.SaveProjectState(tx, p); err != nil {
		return err
	}
	return models.UpdateSegmentStatus(tx, projectID, idx, status, errMsg)
}

// loadProjectState reads a project and its segments.
func loadProjectState(db *gorm.DB, projectID string) (*models.Project, []models.Segment, error) {
	p, err := models.GetProject(db, projectID)
	if err != nil {
		return nil, nil, err
	}
	segs, err := models.GetSegments(db, projectID)
	if err != nil {
		return nil, nil, err
	}
	return p, segs, nil
}

func saveProjectState(tx *gorm.DB, p *models.Project, changed []*models.Segment) error {
	if err := models.SaveProjectState(tx, p); err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	return models.SaveSegments(tx, changed...)
}

func addSegmentWarning(tx *gorm.DB, projectID string, index int, warning string) error {
	s, err := models.GetSegment(tx, projectID, index)
	if err != nil {
		return err
	}
	s.Warnings = append(dropWarnings(s.Warnings, warningFrameExtract), warning)
	return models.SaveSegments(tx, s)
}

func dropWarnings(ws models.StringList, prefix string) models.StringList {
	out := make(models.StringList, 0, len(ws))
	for _, w := range ws {
		if !strings.HasPrefix(w, prefix) {
			out = append(out, w)
		}
	}
	return out
}
