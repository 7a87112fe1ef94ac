package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.projects.Create(ctx, testOwner, CreateProjectRequest{
		UserPrompt:           "  a chase across rooftops  ",
		TotalDurationSeconds: 50,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "a chase across rooftops", v.UserPrompt)
	assert.Equal(t, models.PacingNormal, v.Pacing)
	assert.Equal(t, models.DefaultSegmentDuration, v.SegmentDuration)
	assert.Equal(t, 4, v.NumSegments)
	assert.Equal(t, workflow.ActionGenerateFullScript, v.NextAction)
	require.Len(t, v.Segments, 4)
	assert.Equal(t, 45, v.Segments[3].StartSeconds)
	assert.Equal(t, 50, v.Segments[3].EndSeconds)
	for _, s := range v.Segments {
		assert.Equal(t, models.SegmentStatusPending, s.Status)
		assert.Empty(t, s.Warnings)
	}

	tests := []struct {
		name string
		req  CreateProjectRequest
	}{
		{"missing prompt", CreateProjectRequest{UserPrompt: "   ", TotalDurationSeconds: 30}},
		{"missing duration", CreateProjectRequest{UserPrompt: "x"}},
		{"negative segment", CreateProjectRequest{UserPrompt: "x", TotalDurationSeconds: 30, SegmentDuration: -5}},
		{"unknown pacing", CreateProjectRequest{UserPrompt: "x", TotalDurationSeconds: 30, Pacing: "frantic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.projects.Create(ctx, testOwner, tt.req)
			assertCode(t, err, CodeValidation)
		})
	}
}

func TestProjectOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)

	_, err := env.projects.Get(ctx, "intruder", p.ID, FullView)
	assertCode(t, err, CodeNotFound)
	_, err = env.projects.GetSegment(ctx, "intruder", p.ID, 0)
	assertCode(t, err, CodeNotFound)

	mine, err := env.projects.List(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, p.ID, mine[0].ID)
	assert.Equal(t, 2, mine[0].NumSegments)

	theirs, err := env.projects.List(ctx, "intruder")
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestGetViewOptions(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)

	v, err := env.projects.Get(context.Background(), testOwner, p.ID, ViewOptions{})
	require.NoError(t, err)
	assert.Nil(t, v.FullScript)
	assert.Nil(t, v.CanonSummaries)

	v, err = env.projects.Get(context.Background(), testOwner, p.ID, FullView)
	require.NoError(t, err)
	require.NotNil(t, v.FullScript)
	require.NotNil(t, v.CanonSummaries)
}

func TestGetSegmentOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	for _, idx := range []int{-1, 2} {
		_, err := env.projects.GetSegment(context.Background(), testOwner, p.ID, idx)
		assertCode(t, err, CodeNotFound)
	}
}

func TestUpdateFullScript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 2)

	v, err := env.projects.UpdateFullScript(ctx, testOwner, p.ID, UpdateFullScriptRequest{
		FullScript:           strPtr("typo fixed"),
		InvalidateDownstream: boolPtr(false),
	})
	require.NoError(t, err)
	assertInvariants(t, v)
	assert.Equal(t, "typo fixed", *v.FullScript)
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
	assert.Equal(t, []int{0, 1}, canonIndexes(*v.CanonSummaries))

	v, err = env.projects.UpdateFullScript(ctx, testOwner, p.ID, UpdateFullScriptRequest{FullScript: strPtr("new story")})
	require.NoError(t, err)
	assertInvariants(t, v)
	assert.Equal(t, workflow.ActionGenerateSegment, v.NextAction)
	assert.Equal(t, 0, v.CurrentSegmentIndex)
	for _, s := range v.Segments {
		assert.Equal(t, models.SegmentStatusPending, s.Status)
		assert.True(t, workflow.Consistent(&models.Segment{VideoKey: s.VideoPath, FrameKey: s.FramePath, VideoDescription: s.VideoDescription}))
	}

	_, err = env.projects.UpdateFullScript(ctx, testOwner, p.ID, UpdateFullScriptRequest{})
	assertCode(t, err, CodeValidation)
}

func TestEditCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 60, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 4)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})
	env.checked(t, p.ID)

	v, err := env.projects.UpdateSegment(ctx, testOwner, p.ID, 1, UpdateSegmentRequest{SegmentScript: strPtr("she runs instead")})
	require.NoError(t, err)
	assertInvariants(t, v)
	assert.Nil(t, v.FinalVideoPath)

	assert.LessOrEqual(t, v.CurrentSegmentIndex, 1)
	assert.Equal(t, []int{0}, canonIndexes(*v.CanonSummaries))
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
	assert.NotNil(t, v.Segments[0].VideoPath)

	assert.Equal(t, models.SegmentStatusScriptReady, v.Segments[1].Status)
	assert.Equal(t, "she runs instead", v.Segments[1].SegmentScript)
	assert.Equal(t, "prompt 1", v.Segments[1].VideoPrompt)
	for _, s := range v.Segments[1:] {
		assert.Nil(t, s.VideoPath)
		assert.Nil(t, s.FramePath)
		assert.Nil(t, s.VideoDescription)
	}
	for _, s := range v.Segments[2:] {
		assert.Equal(t, models.SegmentStatusPending, s.Status)
	}
	assert.Equal(t, workflow.ActionUploadVideo, v.NextAction)

	// rebuild from the edited segment; the cursor walks forward again
	env.upload(t, p.ID, 1)
	env.checked(t, p.ID)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(1)})
	v = env.checked(t, p.ID)
	assert.Equal(t, 2, v.CurrentSegmentIndex)
	assert.Equal(t, []int{0, 1}, canonIndexes(*v.CanonSummaries))
}

func TestUpdateSegmentWithoutInvalidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})

	v, err := env.projects.UpdateSegment(ctx, testOwner, p.ID, 1, UpdateSegmentRequest{
		VideoPrompt:          strPtr("wide shot, dusk"),
		InvalidateDownstream: boolPtr(false),
	})
	require.NoError(t, err)
	assertInvariants(t, v)
	assert.Equal(t, models.SegmentStatusScriptReady, v.Segments[1].Status)
	assert.Equal(t, models.SegmentStatusPending, v.Segments[0].Status)

	_, err = env.projects.UpdateSegment(ctx, testOwner, p.ID, 0, UpdateSegmentRequest{})
	assertCode(t, err, CodeValidation)
	_, err = env.projects.UpdateSegment(ctx, testOwner, p.ID, 5, UpdateSegmentRequest{VideoPrompt: strPtr("x")})
	assertCode(t, err, CodeNotFound)
}

func TestManualAnalysis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	_, err := env.projects.UpdateAnalysis(ctx, testOwner, p.ID, 0, UpdateAnalysisRequest{VideoDescription: "she waves"})
	assertCode(t, err, CodePreconditionFailed)

	env.upload(t, p.ID, 0)
	v, err := env.projects.UpdateAnalysis(ctx, testOwner, p.ID, 0, UpdateAnalysisRequest{VideoDescription: "she waves"})
	require.NoError(t, err)
	assertInvariants(t, v)
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
	assert.Equal(t, 1, v.CurrentSegmentIndex)
	assert.Equal(t, "[#IDX=0] #001 (0s-15s): she waves", *v.CanonSummaries)

	v, err = env.projects.UpdateAnalysis(ctx, testOwner, p.ID, 0, UpdateAnalysisRequest{VideoDescription: "she waves goodbye"})
	require.NoError(t, err)
	assert.Equal(t, "she waves goodbye", *v.Segments[0].VideoDescription)
	assert.Equal(t, "[#IDX=0] #001 (0s-15s): she waves", *v.CanonSummaries)
	assert.Equal(t, 1, v.CurrentSegmentIndex)

	_, err = env.projects.UpdateAnalysis(ctx, testOwner, p.ID, 0, UpdateAnalysisRequest{VideoDescription: "  "})
	assertCode(t, err, CodeValidation)
}

func TestUploadFrameWarning(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	env.fake.set(func(f *fakeBackend) { f.frameErr = errors.New("moov atom not found") })
	seg := env.upload(t, p.ID, 0)
	assert.Equal(t, models.SegmentStatusWaitingVideo, seg.Status)
	require.NotNil(t, seg.VideoPath)
	assert.Nil(t, seg.FramePath)
	require.Len(t, seg.Warnings, 1)
	assert.True(t, strings.HasPrefix(seg.Warnings[0], warningFrameExtract))
	assert.Contains(t, seg.Warnings[0], "moov atom not found")
	assert.Equal(t, workflow.ActionAnalyze, env.checked(t, p.ID).NextAction)

	// a clean re-upload clears the warning
	env.fake.set(func(f *fakeBackend) { f.frameErr = nil })
	seg = env.upload(t, p.ID, 0)
	assert.Empty(t, seg.Warnings)
	assert.NotNil(t, seg.FramePath)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})

	_, err := env.projects.UploadVideo(ctx, testOwner, p.ID, 0, "clip.mp4", bytes.NewReader(mp4Bytes("x")))
	assertCode(t, err, CodePreconditionFailed)

	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	tests := []struct {
		name     string
		filename string
		body     io.Reader
		code     Code
	}{
		{"extension", "clip.exe", bytes.NewReader(mp4Bytes("x")), CodeValidation},
		{"not a video", "clip.mp4", strings.NewReader("just some text, no video here"), CodeValidation},
		{"empty", "clip.mp4", strings.NewReader(""), CodeValidation},
		{"too large", "clip.mp4", bytes.NewReader(append(mp4Bytes(""), make([]byte, 1<<20)...)), CodeUploadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.projects.UploadVideo(ctx, testOwner, p.ID, 0, tt.filename, tt.body)
			assertCode(t, err, tt.code)
		})
	}

	seg, err := env.projects.GetSegment(ctx, testOwner, p.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, seg.VideoPath)
	assert.Equal(t, models.SegmentStatusScriptReady, seg.Status)
}

func TestReuploadResetsCompletedSegment(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 45, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 3)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})

	before := env.checked(t, p.ID)
	oldVideo, oldFrame := *before.Segments[1].VideoPath, *before.Segments[1].FramePath

	seg, err := env.projects.UploadVideo(context.Background(), testOwner, p.ID, 1, "retake.mov",
		bytes.NewReader(mp4Bytes("retake")))
	require.NoError(t, err)
	assert.Equal(t, models.SegmentStatusWaitingVideo, seg.Status)
	assert.Nil(t, seg.VideoDescription)
	require.NotNil(t, seg.VideoPath)
	assert.NotEqual(t, oldVideo, *seg.VideoPath)
	assert.True(t, strings.HasSuffix(*seg.VideoPath, ".mov"))
	require.NotNil(t, seg.FramePath)
	assert.Equal(t, FrameKey(*seg.VideoPath), *seg.FramePath)

	v := env.checked(t, p.ID)
	assert.Nil(t, v.FinalVideoPath)
	assert.Equal(t, 1, v.CurrentSegmentIndex)
	assert.Equal(t, []int{0, 2}, canonIndexes(*v.CanonSummaries))
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[2].Status)
	assert.Equal(t, workflow.ActionAnalyze, v.NextAction)

	for _, key := range []string{oldVideo, oldFrame} {
		ok, err := env.blobs.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, ok, "replaced %s should be deleted", key)
	}

	// re-analysis puts the cursor past every completed segment
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(1)})
	v = env.checked(t, p.ID)
	assert.Equal(t, 3, v.CurrentSegmentIndex)
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
}

// slotTakingReader runs claim before the first byte is read, standing in for a
// job submitted while the upload is still streaming.
type slotTakingReader struct {
	r     io.Reader
	claim func()
	once  sync.Once
}

func (c *slotTakingReader) Read(b []byte) (int, error) {
	c.once.Do(c.claim)
	return c.r.Read(b)
}

func TestUploadRejectedMidwayKeepsStoredVideo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 1)
	before := env.checked(t, p.ID).Segments[0]

	reader := &slotTakingReader{
		r: bytes.NewReader(mp4Bytes("late retake")),
		claim: func() {
			assert.NoError(t, models.ClaimSlot(env.db, p.ID, "job-elsewhere"))
		},
	}
	_, err := env.projects.UploadVideo(ctx, testOwner, p.ID, 0, "retake.mp4", reader)
	assertCode(t, err, CodeConflict)
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "job-elsewhere", svcErr.ActiveJobID)
	require.NoError(t, models.ReleaseSlot(env.db, p.ID, "job-elsewhere"))

	after := env.checked(t, p.ID).Segments[0]
	assert.Equal(t, models.SegmentStatusCompleted, after.Status)
	assert.Equal(t, before.VideoPath, after.VideoPath)
	assert.Equal(t, before.FramePath, after.FramePath)
	assert.Equal(t, before.VideoDescription, after.VideoDescription)

	asset, err := env.projects.OpenAsset(ctx, testOwner, p.ID, AssetVideo, 0)
	require.NoError(t, err)
	body, err := io.ReadAll(asset.Body)
	require.NoError(t, asset.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, mp4Bytes("segment-0"), body)

	// the rejected upload leaves no blob behind
	entries, err := os.ReadDir(filepath.Join(env.blobs.Dir, "projects", p.ID, "segments", "000"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{path.Base(*after.VideoPath), path.Base(*after.FramePath)}, names)
}

func TestOpenAsset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 15, 15)

	_, err := env.projects.OpenAsset(ctx, testOwner, p.ID, AssetFinal, 0)
	assertCode(t, err, CodeNotFound)
	_, err = env.projects.OpenAsset(ctx, testOwner, p.ID, AssetVideo, 0)
	assertCode(t, err, CodeNotFound)

	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 1)

	asset, err := env.projects.OpenAsset(ctx, testOwner, p.ID, AssetVideo, 0)
	require.NoError(t, err)
	body, err := io.ReadAll(asset.Body)
	require.NoError(t, asset.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, mp4Bytes("segment-0"), body)
	assert.Equal(t, "video/mp4", asset.ContentType)
	assert.Equal(t, "segment_001.mp4", asset.Name)

	asset, err = env.projects.OpenAsset(ctx, testOwner, p.ID, AssetFrame, 0)
	require.NoError(t, err)
	require.NoError(t, asset.Body.Close())
	assert.Equal(t, "image/jpeg", asset.ContentType)
	assert.Equal(t, "segment_001_frame.jpg", asset.Name)

	_, err = env.projects.OpenAsset(ctx, "intruder", p.ID, AssetVideo, 0)
	assertCode(t, err, CodeNotFound)
}
