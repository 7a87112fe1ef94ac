package workflow

import (
	"AutoSedance-server/models"
)

// clearDerived drops the video, frame, analysis and warnings of a segment.
func clearDerived(s *models.Segment) {
	s.VideoKey = nil
	s.FrameKey = nil
	s.VideoDescription = nil
	s.Warnings = nil
	s.Error = ""
}

// resetSegment returns a segment to pending with nothing generated.
func resetSegment(s *models.Segment) {
	s.SegmentScript = ""
	s.VideoPrompt = ""
	s.Status = models.SegmentStatusPending
	clearDerived(s)
}

// InvalidateAll is the cascade for a full-script change: every segment back to
// pending, continuity cleared, cursor at 0, no final video. It returns the
// segments it modified.
func InvalidateAll(p *models.Project, segs []models.Segment) []*models.Segment {
	changed := make([]*models.Segment, 0, len(segs))
	for i := range segs {
		resetSegment(&segs[i])
		changed = append(changed, &segs[i])
	}
	p.Canon = models.CanonWindow{}
	p.CurrentSegmentIndex = 0
	p.FinalVideoKey = nil
	return changed
}

// InvalidateFrom is the cascade for a change to segment index's script or
// prompt. The segment keeps its (new) text, loses its derived assets and goes
// to script_ready, or pending if the text is now empty. Later segments reset to
// pending. Continuity keeps only entries before index and the cursor is
// pulled back to at most index. It returns the segments it modified.
func InvalidateFrom(p *models.Project, segs []models.Segment, index int) []*models.Segment {
	changed := make([]*models.Segment, 0, len(segs))
	for i := range segs {
		s := &segs[i]
		switch {
		case s.Index == index:
			clearDerived(s)
			if s.HasScript() {
				s.Status = models.SegmentStatusScriptReady
			} else {
				s.Status = models.SegmentStatusPending
			}
			changed = append(changed, s)
		case s.Index > index:
			resetSegment(s)
			changed = append(changed, s)
		}
	}
	p.Canon = CanonBefore(p.Canon, index)
	if p.CurrentSegmentIndex > index {
		p.CurrentSegmentIndex = index
	}
	p.FinalVideoKey = nil
	return changed
}

// ReplaceVideo applies a new upload to segment s: previous frame and analysis
// are dropped and the segment waits for analysis again. If the segment had
// already contributed to continuity its entry is removed and the cursor is
// pulled back to it. Later segments are left as they are.
func ReplaceVideo(p *models.Project, s *models.Segment, videoKey string) error {
	if s.Status != models.SegmentStatusWaitingVideo {
		if err := Transition(s, models.SegmentStatusWaitingVideo); err != nil {
			return err
		}
	}
	clearDerived(s)
	s.VideoKey = &videoKey
	Reopen(p, s.Index)
	return nil
}

// Reopen takes segment index out of the project's progress before it leaves
// completed: its canon entry is dropped, the cursor comes back to at most
// index and the final video no longer matches.
func Reopen(p *models.Project, index int) {
	p.Canon = CanonWithout(p.Canon, index)
	if p.CurrentSegmentIndex > index {
		p.CurrentSegmentIndex = index
	}
	p.FinalVideoKey = nil
}

// Consistent reports whether the asset chain of s holds: a frame only with a
// video, an analysis only with a frame.
func Consistent(s *models.Segment) bool {
	if s.HasFrame() && !s.HasVideo() {
		return false
	}
	if s.HasAnalysis() && !s.HasFrame() {
		return false
	}
	return true
}
