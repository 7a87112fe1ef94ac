package workflow

import (
	"fmt"
	"strings"

	"AutoSedance-server/models"
)

// WindowSize is how many completed segments' summaries are carried forward.
const WindowSize = 3

const canonSeparator = "\n---\n"

// FormatSummary renders the continuity line for a segment. The 0-based IDX
// token is machine readable; the padded number is for people.
func FormatSummary(index, startSeconds, endSeconds int, description string) string {
	desc := strings.TrimSpace(description)
	head := fmt.Sprintf("[#IDX=%d] #%03d (%ds-%ds)", index, index+1, startSeconds, endSeconds)
	if desc == "" {
		return head
	}
	return head + ": " + desc
}

// AppendCanon records the summary for entry.Index. An existing entry for the
// same index is replaced in place; otherwise the entry is appended and the
// window trimmed to the newest WindowSize entries.
func AppendCanon(w models.CanonWindow, entry models.CanonEntry) models.CanonWindow {
	entry.Summary = strings.TrimSpace(entry.Summary)
	if entry.Summary == "" {
		return w
	}
	out := make(models.CanonWindow, 0, len(w)+1)
	replaced := false
	for _, e := range w {
		if e.Index == entry.Index {
			out = append(out, entry)
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, entry)
	}
	if len(out) > WindowSize {
		out = out[len(out)-WindowSize:]
	}
	return out
}

// CanonBefore keeps only entries originating strictly before index.
func CanonBefore(w models.CanonWindow, index int) models.CanonWindow {
	out := make(models.CanonWindow, 0, len(w))
	for _, e := range w {
		if e.Index < index {
			out = append(out, e)
		}
	}
	return out
}

// CanonWithout drops the entry for index, keeping the rest in order.
func CanonWithout(w models.CanonWindow, index int) models.CanonWindow {
	out := make(models.CanonWindow, 0, len(w))
	for _, e := range w {
		if e.Index != index {
			out = append(out, e)
		}
	}
	return out
}

// CanonText joins the window the way generation prompts and clients consume it.
func CanonText(w models.CanonWindow) string {
	parts := make([]string, 0, len(w))
	for _, e := range w {
		parts = append(parts, e.Summary)
	}
	return strings.Join(parts, canonSeparator)
}

// ContextFor returns the continuity window a segment_generate request for
// index receives: the current window restricted to earlier segments.
func ContextFor(p *models.Project, index int) models.CanonWindow {
	return CanonBefore(p.Canon, index)
}

// RecordAnalysis applies a successful analysis of segment index to the project:
// the summary joins the window and the cursor moves past the segment.
func RecordAnalysis(p *models.Project, segs []models.Segment, index int, description string) {
	start, end := TimeRange(p.TotalDurationSeconds, p.SegmentDuration, index)
	p.Canon = AppendCanon(p.Canon, models.CanonEntry{
		Index:   index,
		Summary: FormatSummary(index, start, end, description),
	})
	AdvanceCursor(p, segs, index)
	p.FinalVideoKey = nil
}
