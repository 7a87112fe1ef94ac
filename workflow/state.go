// Package workflow holds the rules of the segment workflow: legal segment
// status transitions, the derived next action of a project, the continuity
// window fed into segment generation and the invalidation cascade applied
// when upstream text changes. Everything here is pure; callers persist.
package workflow

import (
	"fmt"

	"AutoSedance-server/models"
)

// Action is the single recommended next step for a project.
type Action string

const (
	ActionGenerateFullScript Action = "generate_full_script"
	ActionGenerateSegment    Action = "generate_segment"
	ActionUploadVideo        Action = "upload_video"
	ActionAnalyze            Action = "analyze"
	ActionAssemble           Action = "assemble"
	ActionDone               Action = "done"
)

// NumSegments is ceil(total / segment), with a non-positive segment duration
// treated as the default.
func NumSegments(totalSeconds, segmentSeconds int) int {
	if segmentSeconds <= 0 {
		segmentSeconds = models.DefaultSegmentDuration
	}
	if totalSeconds <= 0 {
		return 0
	}
	return (totalSeconds + segmentSeconds - 1) / segmentSeconds
}

// TimeRange returns the [start, end] seconds covered by segment index.
func TimeRange(totalSeconds, segmentSeconds, index int) (int, int) {
	if segmentSeconds <= 0 {
		segmentSeconds = models.DefaultSegmentDuration
	}
	start := index * segmentSeconds
	end := (index + 1) * segmentSeconds
	if end > totalSeconds {
		end = totalSeconds
	}
	return start, end
}

// ProjectSegments returns NumSegments for a project.
func ProjectSegments(p *models.Project) int {
	return NumSegments(p.TotalDurationSeconds, p.SegmentDuration)
}

var transitions = map[string][]string{
	models.SegmentStatusPending:      {models.SegmentStatusScriptReady},
	models.SegmentStatusScriptReady:  {models.SegmentStatusWaitingVideo, models.SegmentStatusAnalyzing, models.SegmentStatusPending},
	models.SegmentStatusWaitingVideo: {models.SegmentStatusAnalyzing, models.SegmentStatusWaitingVideo, models.SegmentStatusCompleted},
	models.SegmentStatusAnalyzing:    {models.SegmentStatusCompleted},
	models.SegmentStatusCompleted:    {models.SegmentStatusWaitingVideo, models.SegmentStatusAnalyzing},
	models.SegmentStatusFailed:       {models.SegmentStatusScriptReady, models.SegmentStatusWaitingVideo, models.SegmentStatusAnalyzing, models.SegmentStatusCompleted},
}

// CanTransition reports whether a segment may move from one status to another
// through forward progress. Failure is reachable from every non-terminal status;
// invalidation resets (to pending or script_ready) are always legal and are
// applied by the cascade rather than checked here.
func CanTransition(from, to string) bool {
	if to == models.SegmentStatusFailed {
		return from != models.SegmentStatusCompleted && from != models.SegmentStatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a forward status change.
func Transition(s *models.Segment, to string) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("segment %d: illegal transition %s -> %s", s.Index, s.Status, to)
	}
	s.Status = to
	return nil
}

// SegmentState is the part of a segment next_action depends on.
type SegmentState struct {
	Status      string
	HasScript   bool
	HasVideo    bool
	HasAnalysis bool
}

// StateOf extracts the SegmentState of a stored segment.
func StateOf(s *models.Segment) SegmentState {
	return SegmentState{
		Status:      s.Status,
		HasScript:   s.HasScript(),
		HasVideo:    s.HasVideo(),
		HasAnalysis: s.HasAnalysis(),
	}
}

// NextAction derives the recommended action. segs must hold one state per
// segment in index order; missing trailing segments count as pending.
func NextAction(hasFullScript bool, segs []SegmentState, numSegments int, assembled bool) Action {
	if !hasFullScript {
		return ActionGenerateFullScript
	}
	for i := 0; i < numSegments; i++ {
		if i >= len(segs) {
			return ActionGenerateSegment
		}
		s := segs[i]
		if s.Status == models.SegmentStatusCompleted {
			continue
		}
		switch {
		case !s.HasScript:
			return ActionGenerateSegment
		case !s.HasVideo:
			return ActionUploadVideo
		default:
			return ActionAnalyze
		}
	}
	if assembled {
		return ActionDone
	}
	return ActionAssemble
}

// ProjectNextAction computes NextAction from stored records.
func ProjectNextAction(p *models.Project, segs []models.Segment) Action {
	n := ProjectSegments(p)
	states := make([]SegmentState, n)
	for i := range states {
		states[i] = SegmentState{Status: models.SegmentStatusPending}
	}
	for i := range segs {
		if idx := segs[i].Index; idx >= 0 && idx < n {
			states[idx] = StateOf(&segs[i])
		}
	}
	assembled := p.FinalVideoKey != nil && *p.FinalVideoKey != ""
	return NextAction(p.HasFullScript(), states, n, assembled)
}

// AllCompleted reports whether every one of the n segments is completed.
func AllCompleted(segs []models.Segment, n int) bool {
	done := 0
	for i := range segs {
		if segs[i].Index < n && segs[i].Status == models.SegmentStatusCompleted {
			done++
		}
	}
	return done == n
}

// AdvanceCursor moves the cursor past index when it points at it, skipping
// segments that are already completed. The cursor reaches n only when every
// segment is completed.
func AdvanceCursor(p *models.Project, segs []models.Segment, index int) {
	if p.CurrentSegmentIndex != index {
		return
	}
	completed := make(map[int]bool, len(segs))
	for i := range segs {
		if segs[i].Status == models.SegmentStatusCompleted {
			completed[segs[i].Index] = true
		}
	}
	n := ProjectSegments(p)
	next := index + 1
	for next < n && completed[next] {
		next++
	}
	p.CurrentSegmentIndex = next
}
