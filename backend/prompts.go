package backend

import (
	"fmt"
	"strings"
)

func languageHint(locale string) string {
	switch {
	case strings.HasPrefix(locale, "zh"):
		return "Write in Simplified Chinese."
	case locale == "":
		return ""
	default:
		return fmt.Sprintf("Write in the language of locale %q.", locale)
	}
}

func scriptSystemPrompt(req ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a screenwriter for short AI-generated videos. ")
	fmt.Fprintf(&b, "Write a complete script for a %d second video with %s pacing. ", req.TotalSeconds, req.Pacing)
	fmt.Fprintf(&b, "It will be cut into %d segments of %d seconds; mark each segment with its time range. ", req.NumSegments, req.SegmentSeconds)
	b.WriteString("Describe only what can be seen and heard.")
	if hint := languageHint(req.Locale); hint != "" {
		b.WriteString(" ")
		b.WriteString(hint)
	}
	return b.String()
}

func scriptUserPrompt(req ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Idea:\n%s\n", strings.TrimSpace(req.Prompt))
	if cur := strings.TrimSpace(req.CurrentScript); cur != "" {
		fmt.Fprintf(&b, "\nCurrent script:\n%s\n", cur)
	}
	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		fmt.Fprintf(&b, "\nRevise according to this feedback:\n%s\n", fb)
	}
	return b.String()
}

func segmentSystemPrompt(req SegmentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You write segment %d of %d (%ds-%ds) of a video script. ", req.Index+1, req.NumSegments, req.StartSeconds, req.EndSeconds)
	b.WriteString(`Answer with a JSON object {"script": ..., "video_prompt": ..., "continuity": ...}. `)
	b.WriteString("video_prompt is a single self-contained prompt for a text-to-video model. ")
	b.WriteString("Stay consistent with the previous segments.")
	if hint := languageHint(req.Locale); hint != "" {
		b.WriteString(" ")
		b.WriteString(hint)
	}
	return b.String()
}

func segmentUserPrompt(req SegmentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Full script:\n%s\n", strings.TrimSpace(req.FullScript))
	cont := strings.TrimSpace(req.Continuity)
	if cont == "" {
		cont = "(this is the first segment)"
	}
	fmt.Fprintf(&b, "\nPrevious segments:\n%s\n", cont)
	fmt.Fprintf(&b, "\nThe story has reached %ds.\n", req.StartSeconds)
	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		fmt.Fprintf(&b, "\nFeedback:\n%s\n", fb)
	}
	return b.String()
}

const analyzerSystemPrompt = "You describe the final frame of a video segment so the next segment can continue from it. " +
	"Cover characters, positions, wardrobe, setting, lighting and camera framing in one paragraph."

func analyzerUserPrompt(req AnalyzeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Segment %d (%ds-%ds) script:\n%s\n", req.Index+1, req.StartSeconds, req.EndSeconds, strings.TrimSpace(req.SegmentScript))
	b.WriteString("\nDescribe the attached last frame.")
	if hint := languageHint(req.Locale); hint != "" {
		b.WriteString(" ")
		b.WriteString(hint)
	}
	return b.String()
}
