package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/screenclip/internal/procutil"
)

const defaultStopTimeout = 3 * time.Second

// ExternalProcess captures by running ffmpeg's platform grabber and letting
// it write the numbered JPEG sequence itself.
type ExternalProcess struct {
	resolver    PathResolver
	stopTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan error
	running bool
}

func NewExternalProcess(resolver PathResolver, stopTimeout time.Duration) *ExternalProcess {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &ExternalProcess{resolver: resolver, stopTimeout: stopTimeout}
}

func (e *ExternalProcess) Method() Method { return MethodExternal }

func (e *ExternalProcess) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *ExternalProcess) Start(ctx context.Context, p Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	if err := p.Region.Validate(); err != nil {
		return &InitError{Method: MethodExternal, Err: err}
	}
	if e.resolver == nil {
		return &InitError{Method: MethodExternal, Err: fmt.Errorf("no transcoder configured")}
	}
	bin, err := e.resolver.Path()
	if err != nil {
		return &InitError{Method: MethodExternal, Err: err}
	}

	args := externalArgs(runtime.GOOS, os.Getenv("DISPLAY"), p)
	slog.Info("Starting external capture", "command", bin+" "+strings.Join(args, " "))

	cmd := exec.Command(bin, args...)
	procutil.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &InitError{Method: MethodExternal, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &InitError{Method: MethodExternal, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return &InitError{Method: MethodExternal, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}
	procutil.Track(cmd)

	e.cmd = cmd
	e.stdin = stdin
	e.running = true
	done := make(chan error, 1)
	e.done = done

	go logOutput(stderr)
	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		if e.cmd == cmd {
			e.running = false
		}
		e.mu.Unlock()
		done <- err
	}()

	return nil
}

// LevelTrace is below debug; ffmpeg's own output is logged at it.
const LevelTrace = slog.LevelDebug - 4

func logOutput(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Log(context.Background(), LevelTrace, "FFmpeg output", "stream", "stderr", "line", scanner.Text())
	}
}

// Stop asks ffmpeg to finish with 'q' so the last frame is flushed, and
// kills it if it has not exited within the stop timeout.
func (e *ExternalProcess) Stop() error {
	e.mu.Lock()
	cmd, stdin, done := e.cmd, e.stdin, e.done
	e.cmd = nil
	e.stdin = nil
	e.running = false
	e.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if _, err := io.WriteString(stdin, "q\n"); err != nil {
		slog.Debug("Failed to send quit to FFmpeg", "error", err)
	}
	stdin.Close()

	select {
	case err := <-done:
		if err != nil {
			// ffmpeg exits non-zero when interrupted; the frames on disk are still valid.
			slog.Debug("FFmpeg capture exited", "error", err)
		}
	case <-time.After(e.stopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
	}
	return nil
}

// externalArgs builds the ffmpeg command line for goos.
func externalArgs(goos, display string, p Params) []string {
	r := p.Region
	fps := strconv.Itoa(p.FPS)
	size := fmt.Sprintf("%dx%d", r.Width, r.Height)

	// No -nostdin here: Stop quits ffmpeg through stdin.
	args := []string{"-hide_banner", "-loglevel", "warning"}

	var filters []string
	switch goos {
	case "darwin":
		args = append(args,
			"-f", "avfoundation",
			"-framerate", fps,
			"-capture_cursor", "1",
			"-i", "Capture screen 0:none",
		)
		filters = append(filters, fmt.Sprintf("crop=%d:%d:%d:%d", r.Width, r.Height, r.X, r.Y))
	case "windows":
		args = append(args,
			"-f", "gdigrab",
			"-framerate", fps,
			"-offset_x", strconv.Itoa(r.X),
			"-offset_y", strconv.Itoa(r.Y),
			"-video_size", size,
			"-i", "desktop",
		)
	default:
		if display == "" {
			display = ":0.0"
		}
		args = append(args,
			"-f", "x11grab",
			"-framerate", fps,
			"-video_size", size,
			"-i", fmt.Sprintf("%s+%d,%d", display, r.X, r.Y),
		)
	}

	if p.Scale > 0 && p.Scale != 1 {
		filters = append(filters, fmt.Sprintf("scale=trunc(iw*%g):trunc(ih*%g)", p.Scale, p.Scale))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	args = append(args,
		"-q:v", strconv.Itoa(mjpegQScale(p.Quality)),
		"-start_number", strconv.Itoa(p.StartIndex),
		"-f", "image2",
		"-y",
		filepath.Join(p.OutputDir, FramePattern),
	)
	return args
}

// mjpegQScale maps quality 1..50 onto ffmpeg's -q:v 31 (worst) .. 2 (best).
func mjpegQScale(q int) int {
	if q < 1 {
		q = 1
	}
	if q > 50 {
		q = 50
	}
	return 31 - (q-1)*29/49
}
