package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"AutoSedance-server/backend"
	"AutoSedance-server/logging"
	"AutoSedance-server/models"
)

const testOwner = "user-1"

// fakeBackend implements every backend capability in memory.
type fakeBackend struct {
	mu sync.Mutex

	scriptErr   error
	segmentErr  error
	frameErr    error
	analyzeErr  error
	assembleErr error

	// scriptGate, when set, holds GenerateScript until it is closed.
	scriptGate    chan struct{}
	scriptStarted chan struct{}
	// analyzeGate does the same for AnalyzeFrame.
	analyzeGate    chan struct{}
	analyzeStarted chan struct{}

	segmentReqs  []backend.SegmentRequest
	assembleReqs []backend.AssembleRequest
}

func (f *fakeBackend) GenerateScript(ctx context.Context, req backend.ScriptRequest) (string, error) {
	f.mu.Lock()
	gate, started, err := f.scriptGate, f.scriptStarted, f.scriptErr
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("FULL SCRIPT for %q in %d segments", req.Prompt, req.NumSegments), nil
}

func (f *fakeBackend) GenerateSegment(_ context.Context, req backend.SegmentRequest) (backend.SegmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segmentReqs = append(f.segmentReqs, req)
	if f.segmentErr != nil {
		return backend.SegmentResult{}, f.segmentErr
	}
	return backend.SegmentResult{
		Script:      fmt.Sprintf("script %d", req.Index),
		VideoPrompt: fmt.Sprintf("prompt %d", req.Index),
	}, nil
}

func (f *fakeBackend) ExtractFrame(_ context.Context, videoPath, framePath string) error {
	f.mu.Lock()
	err := f.frameErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := os.Stat(videoPath); err != nil {
		return err
	}
	return os.WriteFile(framePath, []byte("\xff\xd8\xff\xe0 frame"), 0o644)
}

func (f *fakeBackend) AnalyzeFrame(ctx context.Context, req backend.AnalyzeRequest) (string, error) {
	f.mu.Lock()
	gate, started := f.analyzeGate, f.analyzeStarted
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.analyzeErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(req.FramePath); err != nil {
		return "", err
	}
	return fmt.Sprintf("ending of segment %d", req.Index), nil
}

func (f *fakeBackend) Assemble(_ context.Context, req backend.AssembleRequest) error {
	f.mu.Lock()
	f.assembleReqs = append(f.assembleReqs, req)
	err := f.assembleErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	var out bytes.Buffer
	for _, c := range req.Clips {
		b, err := os.ReadFile(c.Path)
		if err != nil {
			return err
		}
		out.Write(b)
	}
	return os.WriteFile(req.OutputPath, out.Bytes(), 0o644)
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) lastSegmentRequest() backend.SegmentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segmentReqs[len(f.segmentReqs)-1]
}

// recordingDispatcher only remembers what it was handed.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type testEnv struct {
	db       *gorm.DB
	blobs    *LocalStore
	fake     *fakeBackend
	local    *LocalDispatcher
	orch     *Orchestrator
	projects *ProjectService
}

type envOption func(cfg *OrchestratorConfig, d *Dispatcher)

func withTimeout(d time.Duration) envOption {
	return func(cfg *OrchestratorConfig, _ *Dispatcher) { cfg.BackendTimeout = d }
}

func withDispatcher(disp Dispatcher) envOption {
	return func(_ *OrchestratorConfig, d *Dispatcher) { *d = disp }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	db, err := models.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	blobs, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	logger := logging.NewNop()
	fake := &fakeBackend{}
	local := NewLocalDispatcher(2, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = local.Shutdown(ctx)
	})

	cfg := OrchestratorConfig{BackendTimeout: 5 * time.Second, ScratchDir: t.TempDir()}
	var dispatcher Dispatcher = local
	for _, opt := range opts {
		opt(&cfg, &dispatcher)
	}

	backends := backend.Set{Script: fake, Segment: fake, Frames: fake, Analyzer: fake, Assembler: fake}
	orch := NewOrchestrator(db, blobs, backends, dispatcher, cfg, logger)
	local.Bind(orch)

	projects := NewProjectService(db, blobs, fake, UploadConfig{
		MaxBytes:    1 << 20,
		AllowedExts: []string{".mp4", ".mov", ".webm"},
		ScratchDir:  t.TempDir(),
	}, logger)

	return &testEnv{db: db, blobs: blobs, fake: fake, local: local, orch: orch, projects: projects}
}

// mp4Bytes is the start of an ISO base media file; enough for content sniffing.
func mp4Bytes(tag string) []byte {
	b := []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2\x00\x00\x00\x08free")
	return append(b, []byte(tag)...)
}

func (e *testEnv) createProject(t *testing.T, total, seg int) *ProjectView {
	t.Helper()
	v, err := e.projects.Create(context.Background(), testOwner, CreateProjectRequest{
		UserPrompt:           "a lighthouse keeper finds a message in a bottle",
		TotalDurationSeconds: total,
		SegmentDuration:      seg,
	})
	require.NoError(t, err)
	return v
}

// runJob submits a job, waits for it and returns its final snapshot.
func (e *testEnv) runJob(t *testing.T, projectID string, req SubmitRequest) *models.Job {
	t.Helper()
	job, err := e.orch.Submit(context.Background(), testOwner, projectID, req)
	require.NoError(t, err)
	e.local.Wait()
	job, err = e.orch.Get(context.Background(), testOwner, projectID, job.ID)
	require.NoError(t, err)
	return job
}

func (e *testEnv) mustSucceed(t *testing.T, projectID string, req SubmitRequest) *models.Job {
	t.Helper()
	job := e.runJob(t, projectID, req)
	require.Equal(t, models.JobStatusSucceeded, job.Status, "job error: %s", job.Error)
	return job
}

func (e *testEnv) upload(t *testing.T, projectID string, index int) *SegmentView {
	t.Helper()
	v, err := e.projects.UploadVideo(context.Background(), testOwner, projectID, index, "clip.mp4",
		bytes.NewReader(mp4Bytes(fmt.Sprintf("segment-%d", index))))
	require.NoError(t, err)
	return v
}

func (e *testEnv) view(t *testing.T, projectID string) *ProjectView {
	t.Helper()
	v, err := e.projects.Get(context.Background(), testOwner, projectID, FullView)
	require.NoError(t, err)
	return v
}

// completeSegments drives segments [0, n) through generate, upload and analyze.
func (e *testEnv) completeSegments(t *testing.T, projectID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		idx := i
		e.mustSucceed(t, projectID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: &idx})
		e.upload(t, projectID, idx)
		e.mustSucceed(t, projectID, SubmitRequest{Type: models.JobTypeAnalyze, Index: &idx})
	}
}

// assertInvariants checks what has to hold between any two operations: the
// asset chain of every segment, the cursor range and which segments the cursor
// and the canon count as done.
func assertInvariants(t *testing.T, v *ProjectView) {
	t.Helper()
	assert.GreaterOrEqual(t, v.CurrentSegmentIndex, 0, "cursor")
	assert.LessOrEqual(t, v.CurrentSegmentIndex, v.NumSegments, "cursor")

	status := make(map[int]string, len(v.Segments))
	for _, s := range v.Segments {
		status[s.Index] = s.Status
		if s.FramePath != nil {
			assert.NotNil(t, s.VideoPath, "segment %d has a frame but no video", s.Index)
		}
		if s.VideoDescription != nil {
			assert.NotNil(t, s.FramePath, "segment %d has an analysis but no frame", s.Index)
		}
		if s.Status == models.SegmentStatusCompleted {
			assert.NotNil(t, s.VideoDescription, "completed segment %d has no analysis", s.Index)
		}
		if s.Index < v.CurrentSegmentIndex {
			assert.Equal(t, models.SegmentStatusCompleted, s.Status, "segment %d is behind the cursor (%d)", s.Index, v.CurrentSegmentIndex)
		}
	}
	if v.CanonSummaries != nil {
		for _, idx := range canonIndexes(*v.CanonSummaries) {
			assert.Equal(t, models.SegmentStatusCompleted, status[idx], "canon holds segment %d", idx)
		}
	}
}

// checked reads the project and asserts its invariants.
func (e *testEnv) checked(t *testing.T, projectID string) *ProjectView {
	t.Helper()
	v := e.view(t, projectID)
	assertInvariants(t, v)
	return v
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func assertCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err, ""), "error: %v", err)
}

func canonIndexes(text string) []int {
	var out []int
	if text == "" {
		return out
	}
	for _, block := range strings.Split(text, "\n---\n") {
		var idx int
		if _, err := fmt.Sscanf(block, "[#IDX=%d]", &idx); err == nil {
			out = append(out, idx)
		}
	}
	return out
}
