// Package backend defines the generation capabilities the job orchestrator
// drives and their concrete adapters: Gemini for text and image understanding,
// ffmpeg for frame extraction and concatenation, and a remote render worker.
package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyOutput means the provider answered without usable content.
	ErrEmptyOutput = errors.New("backend returned empty output")
	// ErrInvalidOutput means the provider answer did not match the expected shape.
	ErrInvalidOutput = errors.New("backend returned invalid output")
	// ErrNotConfigured is returned by capabilities that were not set up.
	ErrNotConfigured = errors.New("backend not configured")
)

type ScriptRequest struct {
	Prompt         string
	Pacing         string
	TotalSeconds   int
	SegmentSeconds int
	NumSegments    int
	Feedback       string
	Locale         string
	// CurrentScript is the script being revised, empty on first generation.
	CurrentScript string
}

type SegmentRequest struct {
	Index        int
	NumSegments  int
	StartSeconds int
	EndSeconds   int
	Pacing       string
	FullScript   string
	// Continuity is the joined summary window of earlier segments.
	Continuity string
	Feedback   string
	Locale     string
}

type SegmentResult struct {
	Script      string `json:"script"`
	VideoPrompt string `json:"video_prompt"`
}

type AnalyzeRequest struct {
	Index         int
	StartSeconds  int
	EndSeconds    int
	SegmentScript string
	FramePath     string
	Locale        string
}

// Clip is one input of an assembly. Path is a local copy; URL, when set, is a
// location reachable by remote workers.
type Clip struct {
	Path string
	URL  string
}

type AssembleRequest struct {
	ProjectID  string
	Clips      []Clip
	OutputPath string
}

type ScriptWriter interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (string, error)
}

type SegmentWriter interface {
	GenerateSegment(ctx context.Context, req SegmentRequest) (SegmentResult, error)
}

type FrameExtractor interface {
	// ExtractFrame writes the last frame of videoPath as a JPEG at framePath.
	ExtractFrame(ctx context.Context, videoPath, framePath string) error
}

type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, req AnalyzeRequest) (string, error)
}

type VideoAssembler interface {
	Assemble(ctx context.Context, req AssembleRequest) error
}

// Set bundles one implementation per capability.
type Set struct {
	Script    ScriptWriter
	Segment   SegmentWriter
	Frames    FrameExtractor
	Analyzer  FrameAnalyzer
	Assembler VideoAssembler
}

// Disabled stands in for capabilities that have no provider configured; every
// call fails with ErrNotConfigured.
type Disabled struct {
	Reason string
}

func (d Disabled) err() error {
	if d.Reason == "" {
		return ErrNotConfigured
	}
	return fmt.Errorf("%w: %s", ErrNotConfigured, d.Reason)
}

func (d Disabled) GenerateScript(context.Context, ScriptRequest) (string, error) {
	return "", d.err()
}

func (d Disabled) GenerateSegment(context.Context, SegmentRequest) (SegmentResult, error) {
	return SegmentResult{}, d.err()
}

func (d Disabled) AnalyzeFrame(context.Context, AnalyzeRequest) (string, error) {
	return "", d.err()
}
