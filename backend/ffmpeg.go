package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Concat modes. Auto tries stream copy, then an MPEG-TS remux, then a full
// re-encode, keeping the first result that passes validation.
const (
	ConcatAuto     = "auto"
	ConcatCopy     = "copy"
	ConcatTS       = "ts"
	ConcatReencode = "reencode"
)

// Output validation tolerances.
const (
	durationTolAbs   = 1.0
	durationTolRatio = 0.03
	avDesyncTol      = 0.5
)

// execFunc runs a binary and returns its stdout.
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg extracts frames and concatenates clips with the ffmpeg CLI.
type FFmpeg struct {
	Binary     string
	FFprobe    string
	ConcatMode string

	exec execFunc
}

func NewFFmpeg(binary, ffprobe, concatMode string) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if strings.TrimSpace(ffprobe) == "" {
		ffprobe = "ffprobe"
	}
	concatMode = strings.ToLower(strings.TrimSpace(concatMode))
	if concatMode == "" {
		concatMode = ConcatAuto
	}
	return &FFmpeg{Binary: binary, FFprobe: ffprobe, ConcatMode: concatMode, exec: runCommand}
}

// tailSeek is how far before the end the last frame is grabbed from.
const tailSeek = 0.5

func lastFrameArgs(videoPath, framePath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-sseof", fmt.Sprintf("-%.1f", tailSeek),
		"-i", videoPath,
		"-vframes", "1", "-q:v", "2",
		"-y", framePath,
	}
}

func seekFrameArgs(videoPath, framePath string, at float64) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-i", videoPath,
		"-vframes", "1", "-q:v", "2",
		"-y", framePath,
	}
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath, framePath string) error {
	if err := os.MkdirAll(filepath.Dir(framePath), 0o755); err != nil {
		return fmt.Errorf("ffmpeg frame: %w", err)
	}
	_, firstErr := f.run(ctx, f.Binary, lastFrameArgs(videoPath, framePath)...)
	if firstErr == nil && fileNonEmpty(framePath) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Some containers do not support seeking from EOF; read the duration and seek instead.
	info, err := f.inspect(ctx, videoPath)
	if err != nil {
		return errors.Join(firstErr, err)
	}
	duration := info.effectiveDuration()
	if duration <= 0 {
		return errors.Join(firstErr, fmt.Errorf("ffprobe %s: unknown duration", filepath.Base(videoPath)))
	}
	at := math.Max(0, duration-tailSeek)
	if _, err := f.run(ctx, f.Binary, seekFrameArgs(videoPath, framePath, at)...); err != nil {
		return err
	}
	if !fileNonEmpty(framePath) {
		return fmt.Errorf("ffmpeg frame: %w: no frame written", ErrEmptyOutput)
	}
	return nil
}

// mediaInfo is the subset of `ffprobe -of json` output the assembler reads.
type mediaInfo struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []streamInfo `json:"streams"`
}

type streamInfo struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Duration   string `json:"duration"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func mediaInfoArgs(path string) []string {
	return []string{
		"-v", "error", "-of", "json",
		"-show_entries", "format=duration:stream=index,codec_type,codec_name,duration,width,height,sample_rate,channels",
		"--", path,
	}
}

func parseMediaInfo(raw []byte) (mediaInfo, error) {
	var p mediaInfo
	if err := json.Unmarshal(raw, &p); err != nil {
		return mediaInfo{}, fmt.Errorf("ffprobe: %w: %v", ErrInvalidOutput, err)
	}
	return p, nil
}

func (f *FFmpeg) inspect(ctx context.Context, path string) (mediaInfo, error) {
	out, err := f.run(ctx, f.FFprobe, mediaInfoArgs(path)...)
	if err != nil {
		return mediaInfo{}, err
	}
	return parseMediaInfo(out)
}

// positive parses an ffprobe number and returns 0 for anything unusable.
func positive(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (p mediaInfo) stream(kind string) (streamInfo, bool) {
	for _, s := range p.Streams {
		if s.CodecType == kind {
			return s, true
		}
	}
	return streamInfo{}, false
}

// durations returns the container, first video and first audio durations. Zero
// means unknown.
func (p mediaInfo) durations() (format, video, audio float64) {
	format = positive(p.Format.Duration)
	if s, ok := p.stream("video"); ok {
		video = positive(s.Duration)
	}
	if s, ok := p.stream("audio"); ok {
		audio = positive(s.Duration)
	}
	return format, video, audio
}

// effectiveDuration prefers the video stream since the container duration is
// often stretched by a longer audio track.
func (p mediaInfo) effectiveDuration() float64 {
	format, video, audio := p.durations()
	for _, d := range []float64{video, format, audio} {
		if d > 0 {
			return d
		}
	}
	return 0
}

// trimDuration is the shortest known stream, so every stream can be cut to it.
func (p mediaInfo) trimDuration() float64 {
	format, video, audio := p.durations()
	shortest := 0.0
	for _, d := range []float64{video, audio, format} {
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	return shortest
}

func (p mediaInfo) hasAudio() bool {
	_, ok := p.stream("audio")
	return ok
}

func (p mediaInfo) videoCodec() string {
	s, _ := p.stream("video")
	return s.CodecName
}

// audioParams returns the sample rate and channel count of the first audio
// stream, defaulting to 44.1kHz stereo.
func (p mediaInfo) audioParams() (int, int) {
	rate, channels := 44100, 2
	s, ok := p.stream("audio")
	if !ok {
		return rate, channels
	}
	if v, err := strconv.Atoi(strings.TrimSpace(s.SampleRate)); err == nil && v > 0 {
		rate = v
	}
	if s.Channels > 0 {
		channels = s.Channels
	}
	return rate, channels
}

// checkConcat compares an output's stream durations with the expected total duration.
func checkConcat(p mediaInfo, expected float64) error {
	format, video, audio := p.durations()
	primary := video
	if primary <= 0 {
		primary = format
	}
	if primary <= 0 {
		return errors.New("invalid duration")
	}
	tol := math.Max(durationTolAbs, expected*durationTolRatio)
	if math.Abs(primary-expected) > tol {
		return fmt.Errorf("duration mismatch: out=%.3f expected=%.3f tol=%.3f", primary, expected, tol)
	}
	if video > 0 && audio > 0 && math.Abs(video-audio) > avDesyncTol {
		return fmt.Errorf("av desync: v=%.3f a=%.3f tol=%.3f", video, audio, avDesyncTol)
	}
	return nil
}

func (f *FFmpeg) validateConcat(ctx context.Context, out string, expected float64) error {
	st, err := os.Stat(out)
	if errors.Is(err, os.ErrNotExist) {
		return errors.New("missing output")
	}
	if err != nil {
		return err
	}
	if st.Size() <= 0 {
		return ErrEmptyOutput
	}
	info, err := f.inspect(ctx, out)
	if err != nil {
		return err
	}
	return checkConcat(info, expected)
}

// concatList renders an ffmpeg concat demuxer list.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func concatCopyArgs(listPath, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", "-movflags", "+faststart",
		"-y", out,
	}
}

// tsBitstreamFilter returns the annex-b filter for codecs that survive an
// MPEG-TS round trip without re-encoding.
func tsBitstreamFilter(codec string) (string, bool) {
	switch codec {
	case "h264":
		return "h264_mp4toannexb", true
	case "hevc":
		return "hevc_mp4toannexb", true
	}
	return "", false
}

func tsRemuxArgs(in, out, bsf string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", in,
		"-c", "copy", "-bsf:v", bsf, "-f", "mpegts",
		"-y", out,
	}
}

func tsConcatArgs(parts []string, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", "concat:" + strings.Join(parts, "|"),
		"-c", "copy", "-bsf:a", "aac_adtstoasc", "-movflags", "+faststart",
		"-y", out,
	}
}

func channelLayout(channels int) string {
	if channels == 1 {
		return "mono"
	}
	return "stereo"
}

// concatFilter builds a filter graph that resets timestamps and trims every
// input to its shortest stream. When any input carries audio, inputs without
// it get a silent track of the same length so the concat filter stays aligned.
// It returns the graph, whether an audio output exists and the expected total.
func concatFilter(infos []mediaInfo, rate, channels int) (string, bool, float64, error) {
	withAudio := false
	for _, p := range infos {
		if p.hasAudio() {
			withAudio = true
			break
		}
	}

	var (
		parts    []string
		vLabels  strings.Builder
		aLabels  strings.Builder
		expected float64
	)
	for i, p := range infos {
		d := p.trimDuration()
		expected += d
		trim := ""
		if d > 0 {
			trim = fmt.Sprintf("trim=duration=%.6f,", d)
		}
		parts = append(parts, fmt.Sprintf("[%d:v]%ssetpts=PTS-STARTPTS[v%d]", i, trim, i))
		fmt.Fprintf(&vLabels, "[v%d]", i)
		if !withAudio {
			continue
		}
		switch {
		case p.hasAudio():
			atrim := ""
			if d > 0 {
				atrim = fmt.Sprintf("atrim=duration=%.6f,", d)
			}
			parts = append(parts, fmt.Sprintf("[%d:a]%sasetpts=PTS-STARTPTS[a%d]", i, atrim, i))
		case d > 0:
			parts = append(parts, fmt.Sprintf(
				"anullsrc=channel_layout=%s:sample_rate=%d,atrim=duration=%.6f,asetpts=PTS-STARTPTS[a%d]",
				channelLayout(channels), rate, d, i))
		default:
			return "", false, 0, fmt.Errorf("clip %d: cannot pad audio for unknown duration", i)
		}
		fmt.Fprintf(&aLabels, "[a%d]", i)
	}

	if withAudio {
		parts = append(parts, fmt.Sprintf("%s%sconcat=n=%d:v=1:a=1[v][a]", vLabels.String(), aLabels.String(), len(infos)))
	} else {
		parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[v]", vLabels.String(), len(infos)))
	}
	return strings.Join(parts, ";"), withAudio, expected, nil
}

func reencodeArgs(paths []string, graph string, withAudio bool, out string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	for _, p := range paths {
		args = append(args, "-i", p)
	}
	args = append(args, "-filter_complex", graph, "-map", "[v]")
	if withAudio {
		args = append(args, "-map", "[a]")
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "18", "-pix_fmt", "yuv420p")
	if withAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	}
	return append(args, "-movflags", "+faststart", "-y", out)
}

// concatJob is the inspected input of one Assemble call.
type concatJob struct {
	paths    []string
	infos    []mediaInfo
	expected float64
	out      string
	tmp      string
}

type concatStrategy struct {
	name string
	run  func(ctx context.Context, job *concatJob) error
}

func (f *FFmpeg) strategies() ([]concatStrategy, error) {
	cp := concatStrategy{ConcatCopy, f.concatCopy}
	ts := concatStrategy{ConcatTS, f.concatTS}
	re := concatStrategy{ConcatReencode, f.concatReencode}
	switch f.ConcatMode {
	case ConcatAuto, "":
		return []concatStrategy{cp, ts, re}, nil
	case ConcatCopy:
		return []concatStrategy{cp}, nil
	case ConcatTS:
		return []concatStrategy{ts}, nil
	case ConcatReencode:
		return []concatStrategy{re}, nil
	}
	return nil, fmt.Errorf("ffmpeg concat: unsupported mode %q", f.ConcatMode)
}

func (f *FFmpeg) concatCopy(ctx context.Context, job *concatJob) error {
	listPath := filepath.Join(job.tmp, "concat.txt")
	if err := os.WriteFile(listPath, []byte(concatList(job.paths)), 0o644); err != nil {
		return err
	}
	if _, err := f.run(ctx, f.Binary, concatCopyArgs(listPath, job.out)...); err != nil {
		return err
	}
	return f.validateConcat(ctx, job.out, job.expected)
}

func (f *FFmpeg) concatTS(ctx context.Context, job *concatJob) error {
	codec := job.infos[0].videoCodec()
	bsf, ok := tsBitstreamFilter(codec)
	if !ok {
		return fmt.Errorf("unsupported codec %q", codec)
	}
	parts := make([]string, 0, len(job.paths))
	for i, p := range job.paths {
		part := filepath.Join(job.tmp, fmt.Sprintf("seg_%04d.ts", i))
		if _, err := f.run(ctx, f.Binary, tsRemuxArgs(p, part, bsf)...); err != nil {
			return err
		}
		parts = append(parts, part)
	}
	if _, err := f.run(ctx, f.Binary, tsConcatArgs(parts, job.out)...); err != nil {
		return err
	}
	return f.validateConcat(ctx, job.out, job.expected)
}

func (f *FFmpeg) concatReencode(ctx context.Context, job *concatJob) error {
	rate, channels := job.infos[0].audioParams()
	for _, p := range job.infos {
		if p.hasAudio() {
			rate, channels = p.audioParams()
			break
		}
	}
	graph, withAudio, expected, err := concatFilter(job.infos, rate, channels)
	if err != nil {
		return err
	}
	if _, err := f.run(ctx, f.Binary, reencodeArgs(job.paths, graph, withAudio, job.out)...); err != nil {
		return err
	}
	return f.validateConcat(ctx, job.out, expected)
}

// Assemble concatenates the clips in order. Every strategy's output is inspected
// and rejected when its duration drifts from the clips' total or its audio and
// video tracks disagree.
func (f *FFmpeg) Assemble(ctx context.Context, req AssembleRequest) error {
	if len(req.Clips) == 0 {
		return errors.New("ffmpeg concat: no clips")
	}
	strategies, err := f.strategies()
	if err != nil {
		return err
	}
	job := &concatJob{out: req.OutputPath}
	for _, c := range req.Clips {
		abs, err := filepath.Abs(c.Path)
		if err != nil {
			return fmt.Errorf("ffmpeg concat: %w", err)
		}
		info, err := f.inspect(ctx, abs)
		if err != nil {
			return fmt.Errorf("ffmpeg concat: %w", err)
		}
		d := info.effectiveDuration()
		if d <= 0 {
			return fmt.Errorf("ffmpeg concat: %s: unknown duration", filepath.Base(abs))
		}
		job.paths = append(job.paths, abs)
		job.infos = append(job.infos, info)
		job.expected += d
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	job.tmp, err = os.MkdirTemp(filepath.Dir(req.OutputPath), ".concat-")
	if err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	defer os.RemoveAll(job.tmp)

	var attempts []error
	for _, s := range strategies {
		_ = os.Remove(req.OutputPath)
		err := s.run(ctx, job)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", s.name, err))
	}
	_ = os.Remove(req.OutputPath)
	return fmt.Errorf("ffmpeg concat failed: %w", errors.Join(attempts...))
}

func (f *FFmpeg) run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	run := f.exec
	if run == nil {
		run = runCommand
	}
	return run(ctx, binary, args...)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, truncate(strings.TrimSpace(stderr.String()), 2000))
	}
	return stdout.Bytes(), nil
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
