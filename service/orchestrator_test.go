package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoSedance-server/models"
	"AutoSedance-server/workflow"
)

func TestScenarioSixtySecondsToDone(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 60, 15)
	require.Equal(t, 4, p.NumSegments)
	require.Len(t, p.Segments, 4)
	assert.Equal(t, workflow.ActionGenerateFullScript, p.NextAction)

	assertInvariants(t, p)
	job := env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	assert.Equal(t, 100, job.Progress)
	assert.Positive(t, job.Result.FullScriptLength)
	assert.Equal(t, workflow.ActionGenerateSegment, env.checked(t, p.ID).NextAction)

	for i := 0; i < 4; i++ {
		idx := i
		env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: &idx})
		assert.Equal(t, workflow.ActionUploadVideo, env.checked(t, p.ID).NextAction)

		seg := env.upload(t, p.ID, idx)
		assert.Equal(t, models.SegmentStatusWaitingVideo, seg.Status)
		require.NotNil(t, seg.VideoPath)
		require.NotNil(t, seg.FramePath)
		assert.Equal(t, FrameKey(*seg.VideoPath), *seg.FramePath)
		assert.Equal(t, workflow.ActionAnalyze, env.checked(t, p.ID).NextAction)

		env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: &idx})
		assert.Equal(t, idx+1, env.checked(t, p.ID).CurrentSegmentIndex)
	}

	v := env.checked(t, p.ID)
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
	assert.Equal(t, 4, v.CurrentSegmentIndex)
	assert.Equal(t, []int{1, 2, 3}, canonIndexes(*v.CanonSummaries))
	for _, s := range v.Segments {
		assert.Equal(t, models.SegmentStatusCompleted, s.Status)
		require.NotNil(t, s.VideoDescription)
	}

	// segment 3 was generated with the window of segments 0..2
	last := env.fake.lastSegmentRequest()
	assert.Equal(t, 3, last.Index)
	assert.Equal(t, 45, last.StartSeconds)
	assert.Equal(t, 60, last.EndSeconds)
	assert.Equal(t, []int{0, 1, 2}, canonIndexes(last.Continuity))

	job = env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})
	assert.Equal(t, FinalKey(p.ID), job.Result.FinalVideoKey)

	v = env.checked(t, p.ID)
	assert.Equal(t, workflow.ActionDone, v.NextAction)
	require.NotNil(t, v.FinalVideoPath)
	assert.NotEmpty(t, v.FinalVideoURL)
	assert.Nil(t, v.ActiveJobID)

	ok, err := env.blobs.Exists(context.Background(), FinalKey(p.ID))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, env.fake.assembleReqs, 1)
	assert.Len(t, env.fake.assembleReqs[0].Clips, 4)
}

func TestSubmitConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 60, 15)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	env.fake.set(func(f *fakeBackend) {
		f.scriptGate = gate
		f.scriptStarted = started
	})

	running, err := env.orch.Submit(context.Background(), testOwner, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("full_script job never reached the backend")
	}

	_, err = env.orch.Submit(context.Background(), testOwner, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(2)})
	assertCode(t, err, CodeConflict)
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, running.ID, svcErr.ActiveJobID)

	_, err = env.projects.UpdateFullScript(context.Background(), testOwner, p.ID, UpdateFullScriptRequest{FullScript: strPtr("manual")})
	assertCode(t, err, CodeConflict)

	close(gate)
	env.local.Wait()

	job, err := env.orch.Get(context.Background(), testOwner, p.ID, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Nil(t, env.checked(t, p.ID).ActiveJobID)

	jobs, err := env.orch.List(context.Background(), testOwner, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmitPreconditions(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 60, 15)
	ctx := context.Background()

	_, err := env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})
	assertCode(t, err, CodePreconditionFailed)

	_, err = env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeAssemble})
	assertCode(t, err, CodePreconditionFailed)

	_, err = env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	assertCode(t, err, CodePreconditionFailed)

	_, err = env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate})
	assertCode(t, err, CodeValidation)

	_, err = env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: "render"})
	assertCode(t, err, CodeValidation)

	_, err = env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeExtractFrame, Index: intPtr(4)})
	assertCode(t, err, CodeNotFound)

	_, err = env.orch.Submit(ctx, testOwner, "missing", SubmitRequest{Type: models.JobTypeFullScript})
	assertCode(t, err, CodeNotFound)

	_, err = env.orch.Submit(ctx, "someone-else", p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	assertCode(t, err, CodeNotFound)

	// rejected submissions never hold the slot
	assert.Nil(t, env.checked(t, p.ID).ActiveJobID)
	jobs, err := env.orch.List(ctx, testOwner, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSegmentGenerateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 45, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})

	job := env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(1)})
	require.NotNil(t, job.Result.Index)
	assert.Equal(t, 1, *job.Result.Index)
	seg, err := env.projects.GetSegment(context.Background(), testOwner, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentStatusScriptReady, seg.Status)
	assert.Equal(t, "script 1", seg.SegmentScript)
	assert.Equal(t, "prompt 1", seg.VideoPrompt)

	env.fake.set(func(f *fakeBackend) { f.segmentErr = errors.New("quota exceeded") })
	for _, idx := range []int{0, 1} {
		before, err := env.projects.GetSegment(context.Background(), testOwner, p.ID, idx)
		require.NoError(t, err)

		job := env.runJob(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(idx)})
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, string(CodeBackendFailure), job.ErrorCode)
		assert.Contains(t, job.Error, "quota exceeded")

		after, err := env.projects.GetSegment(context.Background(), testOwner, p.ID, idx)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.SegmentScript, after.SegmentScript)
		assert.Contains(t, after.Error, "quota exceeded")
	}
	assert.Nil(t, env.checked(t, p.ID).ActiveJobID)
}

func TestSegmentGenerateInvalidatesDownstream(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 60, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 3)

	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(1), Feedback: "more rain"})
	assert.Equal(t, "more rain", env.fake.lastSegmentRequest().Feedback)
	assert.Equal(t, []int{0}, canonIndexes(env.fake.lastSegmentRequest().Continuity))

	v := env.checked(t, p.ID)
	assert.Equal(t, 1, v.CurrentSegmentIndex)
	assert.Equal(t, []int{0}, canonIndexes(*v.CanonSummaries))
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
	assert.Equal(t, models.SegmentStatusScriptReady, v.Segments[1].Status)
	assert.Nil(t, v.Segments[1].VideoPath)
	assert.Equal(t, models.SegmentStatusPending, v.Segments[2].Status)
	assert.Empty(t, v.Segments[2].SegmentScript)
	assert.Equal(t, workflow.ActionUploadVideo, v.NextAction)
}

func TestSegmentGenerateWithoutInvalidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 2)

	env.mustSucceed(t, p.ID, SubmitRequest{
		Type:                 models.JobTypeSegmentGenerate,
		Index:                intPtr(0),
		InvalidateDownstream: boolPtr(false),
	})
	v := env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[1].Status)
	assert.Equal(t, []int{0, 1}, canonIndexes(*v.CanonSummaries))
}

func TestFullScriptJobInvalidatesEverything(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 2)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})

	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript, Feedback: "darker"})
	v := env.checked(t, p.ID)
	assert.Equal(t, workflow.ActionGenerateSegment, v.NextAction)
	assert.Equal(t, 0, v.CurrentSegmentIndex)
	assert.Empty(t, *v.CanonSummaries)
	assert.Nil(t, v.FinalVideoPath)
	for _, s := range v.Segments {
		assert.Equal(t, models.SegmentStatusPending, s.Status)
		assert.Nil(t, s.VideoPath)
		assert.Nil(t, s.FramePath)
		assert.Nil(t, s.VideoDescription)
	}
}

func TestAnalyzeFailureMarksSegmentFailed(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})
	env.upload(t, p.ID, 0)

	env.fake.set(func(f *fakeBackend) { f.analyzeErr = errors.New("vision model unavailable") })
	job := env.runJob(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, string(CodeBackendFailure), job.ErrorCode)

	v := env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusFailed, v.Segments[0].Status)
	assert.Contains(t, v.Segments[0].Error, "vision model unavailable")
	assert.Nil(t, v.Segments[0].VideoDescription)
	assert.Equal(t, 0, v.CurrentSegmentIndex)
	assert.Equal(t, workflow.ActionAnalyze, v.NextAction)

	env.fake.set(func(f *fakeBackend) { f.analyzeErr = nil })
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	v = env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
	assert.Empty(t, v.Segments[0].Error)
	assert.Equal(t, 1, v.CurrentSegmentIndex)
}

func TestReanalyzeCompletedSegmentReopensIt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 2)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})
	require.Equal(t, 2, env.checked(t, p.ID).CurrentSegmentIndex)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	env.fake.set(func(f *fakeBackend) {
		f.analyzeGate = gate
		f.analyzeStarted = started
		f.analyzeErr = errors.New("vision model unavailable")
	})
	running, err := env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyze job never reached the backend")
	}

	v := env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusAnalyzing, v.Segments[0].Status)
	assert.Equal(t, 0, v.CurrentSegmentIndex)
	assert.Equal(t, []int{1}, canonIndexes(*v.CanonSummaries))
	assert.Nil(t, v.FinalVideoPath)

	close(gate)
	env.local.Wait()
	job, err := env.orch.Get(ctx, testOwner, p.ID, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	v = env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusFailed, v.Segments[0].Status)
	assert.Equal(t, 0, v.CurrentSegmentIndex)
	assert.Equal(t, workflow.ActionAnalyze, v.NextAction)

	env.fake.set(func(f *fakeBackend) {
		f.analyzeGate = nil
		f.analyzeStarted = nil
		f.analyzeErr = nil
	})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	v = env.checked(t, p.ID)
	assert.Equal(t, 2, v.CurrentSegmentIndex)
	assert.ElementsMatch(t, []int{0, 1}, canonIndexes(*v.CanonSummaries))
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
}

func TestAnalyzeExtractsMissingFrame(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 15, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	env.fake.set(func(f *fakeBackend) { f.frameErr = errors.New("ffmpeg missing") })
	seg := env.upload(t, p.ID, 0)
	require.Nil(t, seg.FramePath)

	env.fake.set(func(f *fakeBackend) { f.frameErr = nil })
	job := env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeAnalyze, Index: intPtr(0)})
	require.NotNil(t, seg.VideoPath)
	assert.Equal(t, FrameKey(*seg.VideoPath), job.Result.FrameKey)

	v := env.checked(t, p.ID)
	require.NotNil(t, v.Segments[0].FramePath)
	assert.Empty(t, v.Segments[0].Warnings)
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
}

func TestExtractFrameJob(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	env.fake.set(func(f *fakeBackend) { f.frameErr = errors.New("decoder error") })
	env.upload(t, p.ID, 0)

	job := env.runJob(t, p.ID, SubmitRequest{Type: models.JobTypeExtractFrame, Index: intPtr(0)})
	assert.Equal(t, models.JobStatusFailed, job.Status)
	v := env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusWaitingVideo, v.Segments[0].Status)
	require.Len(t, v.Segments[0].Warnings, 1)
	assert.Contains(t, v.Segments[0].Warnings[0], warningFrameExtract)

	env.fake.set(func(f *fakeBackend) { f.frameErr = nil })
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeExtractFrame, Index: intPtr(0)})
	v = env.checked(t, p.ID)
	assert.Equal(t, models.SegmentStatusWaitingVideo, v.Segments[0].Status)
	require.NotNil(t, v.Segments[0].FramePath)
	assert.Empty(t, v.Segments[0].Warnings)
	assert.NotEmpty(t, v.Segments[0].FrameURL)
}

func TestBackendTimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t, withTimeout(50*time.Millisecond))
	p := env.createProject(t, 30, 15)
	env.fake.set(func(f *fakeBackend) { f.scriptGate = make(chan struct{}) })

	job := env.runJob(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, string(CodeBackendFailure), job.ErrorCode)
	assert.Contains(t, job.Error, "timed out")
	assert.Nil(t, env.checked(t, p.ID).ActiveJobID)
}

func TestAssembleFailureKeepsProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 15, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 1)

	env.fake.set(func(f *fakeBackend) { f.assembleErr = errors.New("concat failed") })
	job := env.runJob(t, p.ID, SubmitRequest{Type: models.JobTypeAssemble})
	assert.Equal(t, models.JobStatusFailed, job.Status)

	v := env.checked(t, p.ID)
	assert.Nil(t, v.FinalVideoPath)
	assert.Equal(t, workflow.ActionAssemble, v.NextAction)
	assert.Equal(t, models.SegmentStatusCompleted, v.Segments[0].Status)
}

func TestCancelQueuedJob(t *testing.T) {
	rec := &recordingDispatcher{}
	env := newTestEnv(t, withDispatcher(rec))
	p := env.createProject(t, 30, 15)
	ctx := context.Background()

	job, err := env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, rec.dispatched())
	assert.Equal(t, job.ID, *env.checked(t, p.ID).ActiveJobID)

	canceled, err := env.orch.Cancel(ctx, testOwner, p.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)
	assert.Nil(t, env.checked(t, p.ID).ActiveJobID)

	again, err := env.orch.Cancel(ctx, testOwner, p.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, again.Status)

	// a canceled job is skipped if its task still arrives
	require.NoError(t, env.orch.Execute(ctx, job.ID))
	got, err := env.orch.Get(ctx, testOwner, p.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status)

	next, err := env.orch.Submit(ctx, testOwner, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	require.NoError(t, err)
	ok, err := models.MarkRunning(env.db, next.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.orch.Cancel(ctx, testOwner, p.ID, next.ID)
	assertCode(t, err, CodePreconditionFailed)

	_, err = env.orch.Cancel(ctx, testOwner, p.ID, "missing")
	assertCode(t, err, CodeNotFound)
}

func TestRecover(t *testing.T) {
	rec := &recordingDispatcher{}
	env := newTestEnv(t, withDispatcher(rec))
	ctx := context.Background()

	stuck := env.createProject(t, 30, 15)
	waiting := env.createProject(t, 30, 15)

	stuckJob, err := env.orch.Submit(ctx, testOwner, stuck.ID, SubmitRequest{Type: models.JobTypeFullScript})
	require.NoError(t, err)
	ok, err := models.MarkRunning(env.db, stuckJob.ID)
	require.NoError(t, err)
	require.True(t, ok)

	queuedJob, err := env.orch.Submit(ctx, testOwner, waiting.ID, SubmitRequest{Type: models.JobTypeFullScript})
	require.NoError(t, err)

	require.NoError(t, env.orch.Recover(ctx))

	got, err := env.orch.Get(ctx, testOwner, stuck.ID, stuckJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
	assert.Nil(t, env.checked(t, stuck.ID).ActiveJobID)

	assert.Equal(t, []string{stuckJob.ID, queuedJob.ID, queuedJob.ID}, rec.dispatched())
	assert.Equal(t, queuedJob.ID, *env.checked(t, waiting.ID).ActiveJobID)
}

func TestRecoverInterruptedReanalysis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, 30, 15)
	env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	env.completeSegments(t, p.ID, 2)

	// a worker stopped while re-analyzing segment 1
	stuck := &models.Job{
		ID:           "job-stuck",
		ProjectID:    p.ID,
		Type:         models.JobTypeAnalyze,
		SegmentIndex: intPtr(1),
		Status:       models.JobStatusRunning,
	}
	require.NoError(t, models.CreateJob(env.db, stuck))
	require.NoError(t, models.ClaimSlot(env.db, p.ID, stuck.ID))

	require.NoError(t, env.orch.Recover(ctx))

	got, err := env.orch.Get(ctx, testOwner, p.ID, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")

	v := env.checked(t, p.ID)
	assert.Nil(t, v.ActiveJobID)
	assert.Equal(t, models.SegmentStatusFailed, v.Segments[1].Status)
	assert.Equal(t, 1, v.CurrentSegmentIndex)
	assert.Equal(t, []int{0}, canonIndexes(*v.CanonSummaries))
}

func TestListJobsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, 30, 15)
	first := env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeFullScript})
	time.Sleep(5 * time.Millisecond)
	second := env.mustSucceed(t, p.ID, SubmitRequest{Type: models.JobTypeSegmentGenerate, Index: intPtr(0)})

	jobs, err := env.orch.List(context.Background(), testOwner, p.ID, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, second.ID, jobs[0].ID)

	jobs, err = env.orch.List(context.Background(), testOwner, p.ID, 1000)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[1].ID)
}
