package localmedia

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// Tools is the glue around the system ffmpeg/ffprobe binaries.
//
// REQUIRED BINARIES in worker runtime:
// - ffprobe for container/stream inspection
// - ffmpeg for frame extraction, transcoding, and audio demux
//
// This service is synchronous and deterministic, but should be called from
// step handlers, not request handlers.
type Tools interface {
	AssertReady(ctx context.Context) error

	Probe(ctx context.Context, videoPath string) (*ProbeInfo, error)
	ExtractFrame(ctx context.Context, videoPath, outPath string, opts FrameOptions) (string, error)
	ExtractFrames(ctx context.Context, videoPath, outDir string, opts FramesOptions) ([]string, error)
	Transcode(ctx context.Context, videoPath, outPath string, opts TranscodeOptions) (string, error)
	Cut(ctx context.Context, videoPath, outPath string, inSec, outSec float64) (string, error)
	Concat(ctx context.Context, segmentPaths []string, outPath string, opts TranscodeOptions) (string, error)
	ExtractAudio(ctx context.Context, videoPath, outPath string, opts AudioOptions) (string, error)

	// Helpers for callers who only have bytes:
	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
	WorkDir(jobID string) (string, func(), error)
}

// ProbeInfo is the subset of ffprobe output the engine cares about.
type ProbeInfo struct {
	DurationSec float64 `json:"durationSec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VideoCodec  string  `json:"videoCodec"`
	AudioCodec  string  `json:"audioCodec,omitempty"`
	FPS         float64 `json:"fps"`
	BitrateBps  int64   `json:"bitrateBps"`
	SizeBytes   int64   `json:"sizeBytes"`
	Format      string  `json:"format"`
	HasAudio    bool    `json:"hasAudio"`
}

type FrameOptions struct {
	AtSec  float64
	Width  int
	Height int
	// JPEGQuality maps to ffmpeg -q:v, 2..31 where lower is better.
	JPEGQuality int
}

type FramesOptions struct {
	FPS       float64
	Width     int
	MaxFrames int
	Format    string // "jpg" or "png"
}

type TranscodeOptions struct {
	Codec       string // "h264" or "h265"
	Resolution  string // "480p", "720p", "1080p", or "WxH"
	BitrateKbps int
	Format      string // container, default "mp4"
	// OnProgress receives percent complete in [0,100]; requires DurationSec.
	DurationSec float64
	OnProgress  func(pct float64)
}

type AudioOptions struct {
	SampleRateHz int
	Channels     int
	Format       string // "wav" or "flac"
}

type tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string

	workRoot string

	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		workRoot:       "/tmp/video-ware-media",
		defaultTimeout: 2 * time.Hour,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, fmt.Sprintf("%s%s", base, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

// WorkDir creates a scratch directory scoped to one job attempt.
func (m *tools) WorkDir(jobID string) (string, func(), error) {
	dir := filepath.Join(m.workRoot, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir work dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	return dir, cleanup, nil
}

// ffprobe JSON shapes; only the fields Probe reads.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

func (m *tools) Probe(ctx context.Context, videoPath string) (*ProbeInfo, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("videoPath required")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w; out=%s", err, commandStderr(err))
	}

	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &ProbeInfo{Format: raw.Format.FormatName}
	info.DurationSec, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(raw.Format.Size, 10, 64)
	info.BitrateBps, _ = strconv.ParseInt(raw.Format.BitRate, 10, 64)

	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
				info.FPS = parseFrameRate(s.RFrameRate)
				if info.FPS == 0 {
					info.FPS = parseFrameRate(s.AvgFrameRate)
				}
			}
		case "audio":
			info.HasAudio = true
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if info.VideoCodec == "" {
		return nil, fmt.Errorf("no video stream in %s", videoPath)
	}
	return info, nil
}

// parseFrameRate handles ffprobe's rational form, e.g. "30000/1001".
func parseFrameRate(r string) float64 {
	r = strings.TrimSpace(r)
	if r == "" || r == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func (m *tools) ExtractFrame(ctx context.Context, videoPath, outPath string, opts FrameOptions) (string, error) {
	if videoPath == "" || outPath == "" {
		return "", fmt.Errorf("videoPath and outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(opts.AtSec, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
	}
	if opts.Width > 0 || opts.Height > 0 {
		args = append(args, "-vf", scaleFilter(opts.Width, opts.Height))
	}
	q := opts.JPEGQuality
	if q <= 0 {
		q = 3
	}
	args = append(args, "-q:v", strconv.Itoa(q), outPath)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg extract frame failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("frame output missing at %s", outPath)
	}
	return outPath, nil
}

func (m *tools) ExtractFrames(ctx context.Context, videoPath, outDir string, opts FramesOptions) ([]string, error) {
	if videoPath == "" || outDir == "" {
		return nil, fmt.Errorf("videoPath and outDir required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir outDir: %w", err)
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "jpg"
	}
	if format != "jpg" && format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("unsupported frame format: %s", format)
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 1
	}
	maxFrames := opts.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 300
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	vf := fmt.Sprintf("fps=%0.6f", fps)
	if opts.Width > 0 {
		vf += "," + scaleFilter(opts.Width, 0)
	}
	outPattern := filepath.Join(outDir, "frame_%06d."+format)
	args := []string{"-y", "-i", videoPath, "-vf", vf}
	if format != "png" {
		args = append(args, "-q:v", "3")
	}
	args = append(args, outPattern)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg extract frames failed: %w; out=%s", err, string(out))
	}

	frames, _ := globSorted(outDir, `^frame_\d+\.(png|jpe?g)$`)
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames produced by ffmpeg; out=%s", string(out))
	}
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	return frames, nil
}

func (m *tools) Transcode(ctx context.Context, videoPath, outPath string, opts TranscodeOptions) (string, error) {
	if videoPath == "" || outPath == "" {
		return "", fmt.Errorf("videoPath and outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	encoder, err := encoderFor(opts.Codec)
	if err != nil {
		return "", err
	}
	scale, err := resolutionFilter(opts.Resolution)
	if err != nil {
		return "", err
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "mp4"
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{"-y", "-i", videoPath, "-c:v", encoder}
	if scale != "" {
		args = append(args, "-vf", scale)
	}
	if opts.BitrateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", opts.BitrateKbps))
	}
	args = append(args, "-c:a", "aac", "-movflags", "+faststart", "-f", format)
	if opts.OnProgress != nil {
		args = append(args, "-progress", "pipe:1", "-nostats")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	if opts.OnProgress != nil && opts.DurationSec > 0 {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return "", fmt.Errorf("ffmpeg stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("ffmpeg start: %w", err)
		}
		scanProgress(stdout, opts.DurationSec, opts.OnProgress)
		if err := cmd.Wait(); err != nil {
			return "", fmt.Errorf("ffmpeg transcode failed: %w", err)
		}
	} else {
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("ffmpeg transcode failed: %w; out=%s", err, string(out))
		}
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("transcode output missing at %s", outPath)
	}
	return outPath, nil
}

// scanProgress reads ffmpeg's -progress key=value stream and reports percent
// complete against the known duration.
func scanProgress(r io.Reader, durationSec float64, onProgress func(pct float64)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		val, ok := strings.CutPrefix(line, "out_time_ms=")
		if !ok {
			continue
		}
		us, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		pct := float64(us) / 1e6 / durationSec * 100
		if pct > 100 {
			pct = 100
		}
		if pct >= 0 {
			onProgress(pct)
		}
	}
}

// Cut trims [inSec, outSec) out of the source without re-encoding. Stream
// copy cuts on the nearest keyframe, which is acceptable for render segments
// that get re-encoded during Concat anyway.
func (m *tools) Cut(ctx context.Context, videoPath, outPath string, inSec, outSec float64) (string, error) {
	if videoPath == "" || outPath == "" {
		return "", fmt.Errorf("videoPath and outPath required")
	}
	if outSec <= inSec {
		return "", fmt.Errorf("invalid cut range [%v, %v)", inSec, outSec)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(inSec, 'f', 3, 64),
		"-to", strconv.FormatFloat(outSec, 'f', 3, 64),
		"-i", videoPath,
		"-c", "copy",
		outPath,
	}
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg cut failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("cut output missing at %s", outPath)
	}
	return outPath, nil
}

// Concat joins segments with the concat demuxer and re-encodes so segments
// with mismatched codecs or timebases still produce a coherent output.
func (m *tools) Concat(ctx context.Context, segmentPaths []string, outPath string, opts TranscodeOptions) (string, error) {
	if len(segmentPaths) == 0 || outPath == "" {
		return "", fmt.Errorf("segmentPaths and outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	encoder, err := encoderFor(opts.Codec)
	if err != nil {
		return "", err
	}
	scale, err := resolutionFilter(opts.Resolution)
	if err != nil {
		return "", err
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "mp4"
	}

	listPath := outPath + ".segments.txt"
	var list strings.Builder
	for _, p := range segmentPaths {
		// concat demuxer quoting: single quotes, embedded quotes escaped
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c:v", encoder,
	}
	if scale != "" {
		args = append(args, "-vf", scale)
	}
	if opts.BitrateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", opts.BitrateKbps))
	}
	args = append(args, "-c:a", "aac", "-movflags", "+faststart", "-f", format)
	if opts.OnProgress != nil {
		args = append(args, "-progress", "pipe:1", "-nostats")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	if opts.OnProgress != nil && opts.DurationSec > 0 {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return "", fmt.Errorf("ffmpeg stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("ffmpeg start: %w", err)
		}
		scanProgress(stdout, opts.DurationSec, opts.OnProgress)
		if err := cmd.Wait(); err != nil {
			return "", fmt.Errorf("ffmpeg concat failed: %w", err)
		}
	} else {
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("ffmpeg concat failed: %w; out=%s", err, string(out))
		}
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("concat output missing at %s", outPath)
	}
	return outPath, nil
}

func (m *tools) ExtractAudio(ctx context.Context, videoPath, outPath string, opts AudioOptions) (string, error) {
	if videoPath == "" || outPath == "" {
		return "", fmt.Errorf("videoPath and outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	sr := opts.SampleRateHz
	if sr <= 0 {
		sr = 16000
	}
	ch := opts.Channels
	if ch <= 0 {
		ch = 1
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "flac" {
		return "", fmt.Errorf("unsupported audio format: %s", format)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-ac", strconv.Itoa(ch),
		"-ar", strconv.Itoa(sr),
		"-f", format,
		outPath,
	}

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg extract audio failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("audio output missing at %s", outPath)
	}
	return outPath, nil
}

// ---------- helpers ----------

func encoderFor(codec string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "h264":
		return "libx264", nil
	case "h265", "hevc":
		return "libx265", nil
	default:
		return "", fmt.Errorf("unsupported codec: %s", codec)
	}
}

// resolutionFilter maps shorthand names to a width-preserving scale filter.
// -2 keeps the even-dimension requirement of yuv420p encoders.
func resolutionFilter(res string) (string, error) {
	res = strings.ToLower(strings.TrimSpace(res))
	switch res {
	case "":
		return "", nil
	case "480p":
		return "scale=-2:480", nil
	case "720p":
		return "scale=-2:720", nil
	case "1080p":
		return "scale=-2:1080", nil
	case "4k", "2160p":
		return "scale=-2:2160", nil
	}
	if w, h, ok := strings.Cut(res, "x"); ok {
		wi, err1 := strconv.Atoi(w)
		hi, err2 := strconv.Atoi(h)
		if err1 == nil && err2 == nil && wi > 0 && hi > 0 {
			return fmt.Sprintf("scale=%d:%d", wi, hi), nil
		}
	}
	return "", fmt.Errorf("unsupported resolution: %s", res)
}

func scaleFilter(w, h int) string {
	if w > 0 && h > 0 {
		return fmt.Sprintf("scale=%d:%d", w, h)
	}
	if w > 0 {
		return fmt.Sprintf("scale=%d:-2", w)
	}
	return fmt.Sprintf("scale=-2:%d", h)
}

func commandStderr(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(exitErr.Stderr)
	}
	return ""
}

func globSorted(dir string, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if re.MatchString(strings.ToLower(e.Name())) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
