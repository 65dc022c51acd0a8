// Package encode turns a directory of captured JPEG frames into a GIF, WebP
// or MP4 file by running ffmpeg.
package encode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/procutil"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/dustin/go-humanize"
)

const stderrTailSize = 2048

var ErrNoFrames = errors.New("no frames to encode")

// EncodeError wraps a failed transcode with the tail of ffmpeg's stderr.
type EncodeError struct {
	Format settings.OutputFormat
	Err    error
	Stderr string
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("%s encoding failed: %v", strings.ToUpper(string(e.Format)), e.Err)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Job describes one encode.
type Job struct {
	Frames      []string
	Format      settings.OutputFormat
	NominalFPS  int
	FPSCap      int // GIF only; 0 means no cap
	Quality     int
	FastPreview bool
	WallClock   time.Duration
	OutputDir   string

	// WorkDir holds intermediate files (palette, concat list). Defaults to
	// the directory of the first frame.
	WorkDir string
	Now     time.Time
}

// PathResolver returns the ffmpeg path.
type PathResolver interface {
	Path() (string, error)
}

type Encoder struct {
	resolver PathResolver

	mu         sync.Mutex
	lastStderr string
}

func New(resolver PathResolver) *Encoder {
	return &Encoder{resolver: resolver}
}

// Ready reports whether a transcoder is available.
func (e *Encoder) Ready() error {
	_, err := e.resolver.Path()
	return err
}

// TranscoderPath returns the resolved ffmpeg path, or "" when unavailable.
func (e *Encoder) TranscoderPath() string {
	p, _ := e.resolver.Path()
	return p
}

// LastStderr is the stderr tail of the most recent ffmpeg run.
func (e *Encoder) LastStderr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStderr
}

// Encode writes the output file and returns its path. onProgress, when
// non-nil, receives 0 at start, monotonically increasing values while
// encoding, and 100 on success.
func (e *Encoder) Encode(ctx context.Context, job Job, onProgress func(int)) (string, error) {
	progress := func(p int) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if len(job.Frames) == 0 {
		return "", &EncodeError{Format: job.Format, Err: ErrNoFrames}
	}
	bin, err := e.resolver.Path()
	if err != nil {
		return "", err
	}
	if job.WorkDir == "" {
		job.WorkDir = filepath.Dir(job.Frames[0])
	}
	if job.Now.IsZero() {
		job.Now = time.Now()
	}
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return "", &EncodeError{Format: job.Format, Err: fmt.Errorf("failed to create output directory: %w", err)}
	}

	output := outputPath(job.OutputDir, job.Now, job.Format.Extension())
	fps := actualFPS(len(job.Frames), job.WallClock, job.NominalFPS)

	input, artifacts, err := inputArgs(job.Frames, fps, job.WorkDir)
	defer removeAll(artifacts)
	if err != nil {
		return "", &EncodeError{Format: job.Format, Err: err}
	}

	slog.Info("Encoding recording", "format", job.Format, "frames", len(job.Frames), "fps", fps, "output", output)
	progress(0)

	switch job.Format {
	case settings.FormatGIF:
		err = e.encodeGIF(ctx, bin, job, input, fps, output, progress)
	case settings.FormatWebP:
		args := append(input, "-c:v", "libwebp", "-lossless", "0",
			"-quality", strconv.Itoa(webpQuality(job.Quality)), "-loop", "0", "-an", output)
		err = e.run(ctx, bin, args, scaleProgress(len(job.Frames), 0, 99, progress))
	case settings.FormatMP4:
		args := append(input, "-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
			"-c:v", "libx264", "-preset", "medium", "-crf", strconv.Itoa(mp4CRF(job.Quality)),
			"-pix_fmt", "yuv420p", "-movflags", "+faststart", "-r", strconv.Itoa(fps), "-an", output)
		err = e.run(ctx, bin, args, scaleProgress(len(job.Frames), 0, 99, progress))
	default:
		err = fmt.Errorf("unsupported output format %q", job.Format)
	}
	if err != nil {
		os.Remove(output)
		return "", &EncodeError{Format: job.Format, Err: err, Stderr: e.LastStderr()}
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		os.Remove(output)
		return "", &EncodeError{Format: job.Format, Err: fmt.Errorf("transcoder produced no output"), Stderr: e.LastStderr()}
	}

	progress(100)
	slog.Info("Recording saved", "output", output, "size", humanize.Bytes(uint64(info.Size())))
	return output, nil
}

func (e *Encoder) encodeGIF(ctx context.Context, bin string, job Job, input []string, fps int, output string, progress func(int)) error {
	gifFPS := fps
	if job.FPSCap > 0 && gifFPS > job.FPSCap {
		gifFPS = job.FPSCap
	}
	pq := gifPaletteQuality(job.Quality, job.FastPreview)
	palette := filepath.Join(job.WorkDir, "palette.png")
	defer os.Remove(palette)

	pass1 := append(append([]string{}, input...),
		"-vf", fmt.Sprintf("fps=%d,palettegen=max_colors=%d:stats_mode=diff", gifFPS, gifMaxColors(pq)),
		"-update", "1", "-frames:v", "1", palette)
	if err := e.run(ctx, bin, pass1, nil); err != nil {
		return fmt.Errorf("palette generation: %w", err)
	}
	progress(10)

	outFrames := len(job.Frames) * gifFPS / fps
	if outFrames < 1 {
		outFrames = 1
	}
	pass2 := append(append([]string{}, input...),
		"-i", palette,
		"-lavfi", fmt.Sprintf("fps=%d[x];[x][1:v]paletteuse=dither=%s", gifFPS, gifDither(pq)),
		"-loop", "0", output)
	return e.run(ctx, bin, pass2, scaleProgress(outFrames, 10, 99, progress))
}

// scaleProgress maps ffmpeg's output frame counter onto lo..hi percent.
func scaleProgress(total, lo, hi int, progress func(int)) func(int) {
	last := lo
	return func(frame int) {
		p := lo + frame*(hi-lo)/total
		if p > hi {
			p = hi
		}
		if p > last {
			last = p
			progress(p)
		}
	}
}

// run executes ffmpeg, feeding frame= progress lines to onFrame.
func (e *Encoder) run(ctx context.Context, bin string, args []string, onFrame func(int)) error {
	full := append([]string{"-y", "-hide_banner", "-loglevel", "error", "-nostdin", "-progress", "pipe:1", "-nostats"}, args...)
	slog.Debug("Running FFmpeg", "command", bin+" "+strings.Join(full, " "))

	cmd := exec.CommandContext(ctx, bin, full...)
	procutil.Prepare(cmd)

	tail := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	procutil.Track(cmd)

	readProgress(stdout, onFrame)
	err = cmd.Wait()

	e.mu.Lock()
	e.lastStderr = tail.String()
	e.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return nil
}

func readProgress(r io.Reader, onFrame func(int)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key != "frame" || onFrame == nil {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			onFrame(n)
		}
	}
}

// inputArgs returns the ffmpeg input arguments for frames. A contiguous
// run uses the image2 pattern; anything else goes through a concat list.
func inputArgs(frames []string, fps int, workDir string) ([]string, []string, error) {
	if start, ok := contiguousRun(frames); ok {
		return []string{
			"-framerate", strconv.Itoa(fps),
			"-start_number", strconv.Itoa(start),
			"-i", filepath.Join(filepath.Dir(frames[0]), capture.FramePattern),
		}, nil, nil
	}

	list := filepath.Join(workDir, "frames.ffconcat")
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	duration := 1.0 / float64(fps)
	for _, f := range frames {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		fmt.Fprintf(&b, "file '%s'\nduration %.6f\n", strings.ReplaceAll(abs, "'", `'\''`), duration)
	}
	// The concat demuxer ignores the duration of the final entry.
	last, _ := filepath.Abs(frames[len(frames)-1])
	fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(last, "'", `'\''`))

	if err := os.WriteFile(list, []byte(b.String()), 0644); err != nil {
		return nil, nil, fmt.Errorf("failed to write concat list: %w", err)
	}
	return []string{"-f", "concat", "-safe", "0", "-i", list}, []string{list}, nil
}

func contiguousRun(frames []string) (int, bool) {
	dir := filepath.Dir(frames[0])
	start, ok := capture.ParseFrameIndex(frames[0])
	if !ok {
		return 0, false
	}
	for i, f := range frames {
		idx, ok := capture.ParseFrameIndex(f)
		if !ok || idx != start+i || filepath.Dir(f) != dir {
			return 0, false
		}
	}
	return start, true
}

// outputPath picks recording_<timestamp>.<ext>, adding _N if taken.
func outputPath(dir string, now time.Time, ext string) string {
	base := "recording_" + now.Format("20060102_150405")
	path := filepath.Join(dir, base+"."+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.%s", base, i, ext))
	}
}

func removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove intermediate file", "path", p, "error", err)
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
