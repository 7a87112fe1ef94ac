package service

import (
	"fmt"
	"time"

	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

// ProjectView is the project snapshot returned to clients. next_action and
// num_segments are derived on read.
type ProjectView struct {
	ID                   string          `json:"id"`
	UserPrompt           string          `json:"user_prompt"`
	Pacing               string          `json:"pacing"`
	TotalDurationSeconds int             `json:"total_duration_seconds"`
	SegmentDuration      int             `json:"segment_duration"`
	FullScript           *string         `json:"full_script,omitempty"`
	CanonSummaries       *string         `json:"canon_summaries,omitempty"`
	CurrentSegmentIndex  int             `json:"current_segment_index"`
	FinalVideoPath       *string         `json:"final_video_path"`
	FinalVideoURL        string          `json:"final_video_url,omitempty"`
	ActiveJobID          *string         `json:"active_job_id"`
	NumSegments          int             `json:"num_segments"`
	NextAction           workflow.Action `json:"next_action"`
	Segments             []SegmentView   `json:"segments"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type SegmentView struct {
	Index            int      `json:"index"`
	Status           string   `json:"status"`
	SegmentScript    string   `json:"segment_script"`
	VideoPrompt      string   `json:"video_prompt"`
	VideoDescription *string  `json:"video_description"`
	Warnings         []string `json:"warnings"`
	Error            string   `json:"error,omitempty"`
	StartSeconds     int      `json:"start_seconds"`
	EndSeconds       int      `json:"end_seconds"`
	VideoPath        *string  `json:"video_path"`
	FramePath        *string  `json:"last_frame_path"`
	VideoURL         string   `json:"video_url,omitempty"`
	FrameURL         string   `json:"frame_url,omitempty"`
}

// ProjectSummary is one row of the project list.
type ProjectSummary struct {
	ID                      string          `json:"id"`
	UserPrompt              string          `json:"user_prompt"`
	Pacing                  string          `json:"pacing"`
	TotalDurationSeconds    int             `json:"total_duration_seconds"`
	SegmentDuration         int             `json:"segment_duration"`
	NumSegments             int             `json:"num_segments"`
	NextAction              workflow.Action `json:"next_action"`
	SegmentsCompleted       int             `json:"segments_completed"`
	SegmentsWithVideo       int             `json:"segments_with_video"`
	SegmentsWithFrame       int             `json:"segments_with_frame"`
	SegmentsWithDescription int             `json:"segments_with_description"`
	FinalVideoPath          *string         `json:"final_video_path"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// ViewOptions trims optional heavy fields from a project snapshot.
type ViewOptions struct {
	IncludeFullScript bool
	IncludeCanon      bool
}

var FullView = ViewOptions{IncludeFullScript: true, IncludeCanon: true}

func newProjectView(p *models.Project, segs []models.Segment, opts ViewOptions) *ProjectView {
	v := &ProjectView{
		ID:                   p.ID,
		UserPrompt:           p.UserPrompt,
		Pacing:               p.Pacing,
		TotalDurationSeconds: p.TotalDurationSeconds,
		SegmentDuration:      p.SegmentDuration,
		CurrentSegmentIndex:  p.CurrentSegmentIndex,
		FinalVideoPath:       p.FinalVideoKey,
		ActiveJobID:          p.ActiveJobID,
		NumSegments:          workflow.ProjectSegments(p),
		NextAction:           workflow.ProjectNextAction(p, segs),
		Segments:             make([]SegmentView, 0, len(segs)),
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	if opts.IncludeFullScript {
		script := ""
		if p.FullScript != nil {
			script = *p.FullScript
		}
		v.FullScript = &script
	}
	if opts.IncludeCanon {
		text := workflow.CanonText(p.Canon)
		v.CanonSummaries = &text
	}
	if p.FinalVideoKey != nil {
		v.FinalVideoURL = fmt.Sprintf("/v1/api/projects/%s/final", p.ID)
	}
	for i := range segs {
		v.Segments = append(v.Segments, newSegmentView(p, &segs[i]))
	}
	return v
}

func newSegmentView(p *models.Project, s *models.Segment) SegmentView {
	start, end := workflow.TimeRange(p.TotalDurationSeconds, p.SegmentDuration, s.Index)
	warnings := []string(s.Warnings)
	if warnings == nil {
		warnings = []string{}
	}
	v := SegmentView{
		Index:            s.Index,
		Status:           s.Status,
		SegmentScript:    s.SegmentScript,
		VideoPrompt:      s.VideoPrompt,
		VideoDescription: s.VideoDescription,
		Warnings:         warnings,
		Error:            s.Error,
		StartSeconds:     start,
		EndSeconds:       end,
		VideoPath:        s.VideoKey,
		FramePath:        s.FrameKey,
	}
	if s.HasVideo() {
		v.VideoURL = fmt.Sprintf("/v1/api/projects/%s/segments/%d/video", p.ID, s.Index)
	}
	if s.HasFrame() {
		v.FrameURL = fmt.Sprintf("/v1/api/projects/%s/segments/%d/frame", p.ID, s.Index)
	}
	return v
}

func newProjectSummary(p *models.Project, segs []models.Segment) ProjectSummary {
	sum := ProjectSummary{
		ID:                   p.ID,
		UserPrompt:           p.UserPrompt,
		Pacing:               p.Pacing,
		TotalDurationSeconds: p.TotalDurationSeconds,
		SegmentDuration:      p.SegmentDuration,
		NumSegments:          workflow.ProjectSegments(p),
		NextAction:           workflow.ProjectNextAction(p, segs),
		FinalVideoPath:       p.FinalVideoKey,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	for i := range segs {
		s := &segs[i]
		if s.Status == models.SegmentStatusCompleted {
			sum.SegmentsCompleted++
		}
		if s.HasVideo() {
			sum.SegmentsWithVideo++
		}
		if s.HasFrame() {
			sum.SegmentsWithFrame++
		}
		if s.HasAnalysis() {
			sum.SegmentsWithDescription++
		}
	}
	return sum
}
