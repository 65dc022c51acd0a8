package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/encode"
	"github.com/audiolibrelab/screenclip/internal/session"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/audiolibrelab/screenclip/internal/tempdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaledClock runs scale times faster than the wall clock.
type scaledClock struct {
	base  time.Time
	start time.Time
	scale float64
}

func newScaledClock(scale float64) *scaledClock {
	return &scaledClock{base: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), start: time.Now(), scale: scale}
}

func (c *scaledClock) Now() time.Time {
	return c.base.Add(time.Duration(float64(time.Since(c.start)) * c.scale))
}

// fakeSpec configures every backend the factory builds for one method.
type fakeSpec struct {
	startErr error
	limit    int // frames per start before going silent; negative is unlimited
	fps      int // with a clock, frames per simulated second
}

type fakeBackend struct {
	method capture.Method
	spec   fakeSpec
	clock  Clock

	mu      sync.Mutex
	params  capture.Params
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (b *fakeBackend) Method() capture.Method { return b.method }

func (b *fakeBackend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *fakeBackend) Params() capture.Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

func (b *fakeBackend) Start(ctx context.Context, p capture.Params) error {
	if b.spec.startErr != nil {
		return &capture.InitError{Method: b.method, Err: b.spec.startErr}
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.params = p
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.produce(ctx, p, done)
	return nil
}

func (b *fakeBackend) produce(ctx context.Context, p capture.Params, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	started := time.Now()
	if b.clock != nil {
		started = b.clock.Now()
	}
	written := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		target := written + 1
		if b.clock != nil {
			target = int(b.clock.Now().Sub(started).Seconds() * float64(b.spec.fps))
		}
		for written < target && (b.spec.limit < 0 || written < b.spec.limit) {
			name := filepath.Join(p.OutputDir, capture.FrameName(p.StartIndex+written))
			if err := os.WriteFile(name, []byte("jpeg"), 0644); err != nil {
				return
			}
			written++
		}
	}
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

type fakeFactory struct {
	clock Clock

	mu      sync.Mutex
	specs   map[capture.Method]fakeSpec
	created []*fakeBackend
}

func (f *fakeFactory) set(m capture.Method, s fakeSpec) {
	f.mu.Lock()
	f.specs[m] = s
	f.mu.Unlock()
}

func (f *fakeFactory) New(m capture.Method) (capture.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[m]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", m)
	}
	b := &fakeBackend{method: m, spec: spec, clock: f.clock}
	f.created = append(f.created, b)
	return b, nil
}

func (f *fakeFactory) backends(m capture.Method) []*fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeBackend
	for _, b := range f.created {
		if m == "" || b.method == m {
			out = append(out, b)
		}
	}
	return out
}

type fakeEncoder struct {
	readyErr error
	err      error
	block    chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	jobs  []encode.Job
}

func (e *fakeEncoder) Ready() error { return e.readyErr }

func (e *fakeEncoder) Encode(ctx context.Context, job encode.Job, progress func(int)) (string, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()

	progress(0)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, f := range job.Frames {
		if _, err := os.Stat(f); err != nil {
			return "", fmt.Errorf("frame missing at encode time: %w", err)
		}
	}
	progress(50)
	if e.err != nil {
		return "", e.err
	}
	out := filepath.Join(job.OutputDir, "recording."+job.Format.Extension())
	if err := os.WriteFile(out, []byte("encoded"), 0644); err != nil {
		return "", err
	}
	progress(100)
	return out, nil
}

func (e *fakeEncoder) lastJob() encode.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[len(e.jobs)-1]
}

type harness struct {
	rec      *Recorder
	factory  *fakeFactory
	encoder  *fakeEncoder
	tempRoot string
	outDir   string
}

var fastTimings = Timings{
	PollInterval:       5 * time.Millisecond,
	StallTimeout:       150 * time.Millisecond,
	EarlyFailureWindow: 200 * time.Millisecond,
}

func newHarness(t *testing.T, chain []capture.Method, specs map[capture.Method]fakeSpec, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		factory:  &fakeFactory{specs: specs},
		encoder:  &fakeEncoder{},
		tempRoot: filepath.Join(t.TempDir(), "tmp"),
		outDir:   t.TempDir(),
	}
	opts := Options{
		Capabilities:  capture.PlatformCapabilities{OS: "linux", FallbackOrder: chain},
		Encoder:       h.encoder,
		TempDirs:      tempdir.New(h.tempRoot, "test_"),
		OutputDir:     h.outDir,
		Settings:      settings.Default(),
		Timings:       fastTimings,
		DisplayBounds: func() (capture.Rect, error) { return capture.Rect{Width: 640, Height: 480}, nil },
	}
	for _, m := range mutate {
		m(&opts)
	}
	if c, ok := opts.Clock.(*scaledClock); ok {
		h.factory.clock = c
	}
	opts.Factory = h.factory.New
	h.rec = New(opts)

	t.Cleanup(func() {
		h.rec.Cancel()
	})
	return h
}

func (h *harness) sessionDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.tempRoot)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		dirs = append(dirs, e.Name())
	}
	return dirs
}

func (h *harness) waitFrames(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.rec.Snapshot().FrameCount >= n }, 3*time.Second, 5*time.Millisecond)
}

func unlimited() fakeSpec { return fakeSpec{limit: -1} }

func TestRecorder_HappyPath(t *testing.T) {
	h := newHarness(t,
		[]capture.Method{capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited(), capture.MethodExternal: unlimited()})

	var completions atomic.Int32
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{
		Region:     &capture.Rect{Width: 100, Height: 100},
		OnComplete: func(Result) { completions.Add(1) },
	}))

	snap := h.rec.Snapshot()
	assert.True(t, snap.IsRecording)
	assert.Equal(t, "PixelPollCapture", snap.ActiveCaptureMethod)
	assert.NotEmpty(t, snap.SessionID)
	assert.ErrorIs(t, h.rec.Start(context.Background(), StartOptions{}), ErrAlreadyRecording)

	h.waitFrames(t, 10)
	assert.Greater(t, h.rec.Snapshot().EstimatedSizeBytes, int64(0))

	res, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.OutputPath, ".gif"))
	assert.FileExists(t, res.OutputPath)
	assert.Equal(t, int32(1), h.encoder.calls.Load())
	assert.Len(t, h.encoder.lastJob().Frames, res.FrameCount)
	assert.Equal(t, capture.MethodPixelPoll, res.Method)

	assert.Empty(t, h.sessionDirs(t), "session directory removed after save")
	snap = h.rec.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.False(t, snap.IsSaving)
	assert.Equal(t, res.OutputPath, snap.LastSavedFilePath)
	assert.Empty(t, snap.LastErrorMessage)
	assert.Equal(t, int32(1), completions.Load())

	for _, b := range h.factory.backends("") {
		assert.False(t, b.IsRunning())
	}
}

func TestRecorder_StopWhenIdle(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})
	_, err := h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.ErrorIs(t, h.rec.Pause(), ErrNotRecording)
	assert.ErrorIs(t, h.rec.Cancel(), ErrNotRecording)
}

func TestRecorder_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})
	h.encoder.block = make(chan struct{})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	h.waitFrames(t, 3)

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		res, err := h.rec.Stop(context.Background())
		results <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return h.rec.Snapshot().IsSaving }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, h.rec.Start(context.Background(), StartOptions{}), ErrBusy)
	assert.ErrorIs(t, h.rec.Reset(), ErrBusy)

	go func() {
		res, err := h.rec.Stop(context.Background())
		results <- outcome{res, err}
	}()
	close(h.encoder.block)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.res, second.res)

	third, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.res, third)
	assert.Equal(t, int32(1), h.encoder.calls.Load(), "encoder runs once")
}

func TestRecorder_StallFallsBackAndContinuesNumbering(t *testing.T) {
	h := newHarness(t,
		[]capture.Method{capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{
			capture.MethodPixelPoll: {limit: 5},
			capture.MethodExternal:  unlimited(),
		})

	var mu sync.Mutex
	var counts []int
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{
		OnUpdate: func(s session.Snapshot) {
			mu.Lock()
			counts = append(counts, s.FrameCount)
			mu.Unlock()
		},
	}))

	require.Eventually(t, func() bool {
		return h.rec.Snapshot().ActiveCaptureMethod == "ExternalProcessCapture"
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "previous method stalled", h.rec.Snapshot().CaptureMethodDetails)

	external := h.factory.backends(capture.MethodExternal)
	require.Len(t, external, 1)
	assert.Equal(t, 5, external[0].Params().StartIndex)
	assert.False(t, h.factory.backends(capture.MethodPixelPoll)[0].IsRunning(), "previous backend stopped before switching")

	h.waitFrames(t, 15)
	res, err := h.rec.Stop(context.Background())
	require.NoError(t, err)

	for i, f := range h.encoder.lastJob().Frames {
		idx, ok := capture.ParseFrameIndex(f)
		require.True(t, ok)
		assert.Equal(t, i, idx, "frame indices are contiguous across the switch")
	}
	assert.Equal(t, res.FrameCount, len(h.encoder.lastJob().Frames))

	mu.Lock()
	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i], counts[i-1], "published frame count never decreases")
	}
	mu.Unlock()

	diag := h.rec.Diagnostics()
	require.Len(t, diag.Transitions, 1)
	assert.Equal(t, capture.MethodPixelPoll, diag.Transitions[0].From)
	assert.Equal(t, capture.MethodExternal, diag.Transitions[0].To)
	assert.Equal(t, 5, diag.FramesPerMethod[capture.MethodPixelPoll])
}

func TestRecorder_NativeIsNotStallChecked(t *testing.T) {
	h := newHarness(t,
		[]capture.Method{capture.MethodNative, capture.MethodPixelPoll},
		map[capture.Method]fakeSpec{
			capture.MethodNative:    {limit: 3},
			capture.MethodPixelPoll: unlimited(),
		})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	h.waitFrames(t, 3)
	time.Sleep(3 * fastTimings.StallTimeout)

	assert.Equal(t, "NativeScreenCapture", h.rec.Snapshot().ActiveCaptureMethod)
	assert.Empty(t, h.factory.backends(capture.MethodPixelPoll))
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
}

func TestRecorder_EarlyFailureIsBoundedAndReportsNoFrames(t *testing.T) {
	silent := fakeSpec{limit: 0}
	h := newHarness(t,
		[]capture.Method{capture.MethodNative, capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{
			capture.MethodNative:    silent,
			capture.MethodPixelPoll: silent,
			capture.MethodExternal:  silent,
		})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))

	require.Eventually(t, func() bool {
		return h.rec.Diagnostics().LastDiagnostic != ""
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(3 * fastTimings.EarlyFailureWindow)
	diag := h.rec.Diagnostics()
	assert.Len(t, diag.Transitions, 2, "one transition per remaining backend, then no more retries")
	assert.Len(t, h.factory.backends(""), 3)
	assert.Equal(t, "ExternalProcessCapture", h.rec.Snapshot().ActiveCaptureMethod)

	_, err := h.rec.Stop(context.Background())
	var noFrames *NoFramesCapturedError
	require.ErrorAs(t, err, &noFrames)
	assert.Contains(t, noFrames.Message, "no frames from ExternalProcessCapture")
	assert.Contains(t, noFrames.Message, "NativeScreenCapture, PixelPollCapture, ExternalProcessCapture")

	assert.Zero(t, h.encoder.calls.Load())
	assert.Empty(t, h.sessionDirs(t), "session directory removed after a no-frames outcome")
	assert.Equal(t, err.Error(), h.rec.Snapshot().LastErrorMessage)
}

func TestRecorder_StartFallsBackOnInitError(t *testing.T) {
	h := newHarness(t,
		[]capture.Method{capture.MethodNative, capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{
			capture.MethodNative:    {startErr: errors.New("cannot open display")},
			capture.MethodPixelPoll: unlimited(),
			capture.MethodExternal:  unlimited(),
		})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	snap := h.rec.Snapshot()
	assert.Equal(t, "PixelPollCapture", snap.ActiveCaptureMethod)
	assert.Contains(t, snap.CaptureMethodDetails, "NativeScreenCapture failed to start")
	assert.Empty(t, h.factory.backends(capture.MethodExternal), "external process is not started when an earlier method works")

	diag := h.rec.Diagnostics()
	require.Len(t, diag.Attempts, 2)
	assert.NotEmpty(t, diag.Attempts[0].Error)
	assert.Empty(t, diag.Attempts[1].Error)
}

func TestRecorder_StartUsesExternalOnlyWhenPixelBackendsFail(t *testing.T) {
	h := newHarness(t,
		[]capture.Method{capture.MethodNative, capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{
			capture.MethodNative:    {startErr: errors.New("cannot open display")},
			capture.MethodPixelPoll: {startErr: errors.New("permission denied")},
			capture.MethodExternal:  unlimited(),
		})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	assert.Equal(t, "ExternalProcessCapture", h.rec.Snapshot().ActiveCaptureMethod)
	require.Len(t, h.rec.Diagnostics().Attempts, 3)
	h.waitFrames(t, 2)
}

func TestRecorder_StartFailsWhenNoBackendStarts(t *testing.T) {
	broken := fakeSpec{startErr: errors.New("permission denied")}
	h := newHarness(t,
		[]capture.Method{capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{capture.MethodPixelPoll: broken, capture.MethodExternal: broken})

	err := h.rec.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	var initErr *capture.InitError
	assert.ErrorAs(t, err, &initErr)
	assert.Contains(t, err.Error(), "PixelPollCapture")
	assert.Contains(t, err.Error(), "ExternalProcessCapture")

	snap := h.rec.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.NotEmpty(t, snap.LastErrorMessage)
	assert.Empty(t, h.sessionDirs(t))

	h.factory.set(capture.MethodPixelPoll, unlimited())
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	assert.Empty(t, h.rec.Snapshot().LastErrorMessage)
}

func TestRecorder_TranscoderUnavailableFailsBeforeCapture(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})
	h.encoder.readyErr = &encode.TranscoderUnavailableError{Tried: []string{"$PATH"}}

	err := h.rec.Start(context.Background(), StartOptions{})
	var unavailable *encode.TranscoderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Empty(t, h.factory.backends(""))
	assert.Empty(t, h.sessionDirs(t))
	assert.Contains(t, h.rec.Snapshot().LastErrorMessage, "ffmpeg not found")
}

func TestRecorder_Cancel(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})

	var got atomic.Value
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{
		OnComplete: func(r Result) { got.Store(r) },
	}))
	h.waitFrames(t, 3)

	require.NoError(t, h.rec.Cancel())
	assert.Zero(t, h.encoder.calls.Load())
	assert.Empty(t, h.sessionDirs(t))

	snap := h.rec.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.Zero(t, snap.FrameCount)
	assert.Empty(t, snap.LastErrorMessage)

	res, ok := got.Load().(Result)
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrCanceled)

	_, err := h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRecorder_ResetKeepsLastResult(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	assert.ErrorIs(t, h.rec.Reset(), ErrBusy)
	h.waitFrames(t, 2)

	res, err := h.rec.Stop(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.rec.Reset())
	snap := h.rec.Snapshot()
	assert.Equal(t, res.OutputPath, snap.LastSavedFilePath)
	assert.Zero(t, snap.FrameCount)
	assert.Empty(t, snap.SessionID)

	_, err = h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRecorder_EncodeErrorStillCleansUp(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()})
	h.encoder.err = &encode.EncodeError{Format: settings.FormatGIF, Err: errors.New("boom")}

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	h.waitFrames(t, 2)

	_, err := h.rec.Stop(context.Background())
	var encErr *encode.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Empty(t, h.sessionDirs(t))

	snap := h.rec.Snapshot()
	assert.Contains(t, snap.LastErrorMessage, "boom")
	assert.Empty(t, snap.LastSavedFilePath)

	h.rec.ClearLastError()
	assert.Empty(t, h.rec.Snapshot().LastErrorMessage)
}

func TestRecorder_SettingsSnapshotIsolation(t *testing.T) {
	initial := settings.Settings{TargetFPS: 24, Quality: 15, OutputFormat: settings.FormatGIF, MaxDurationSeconds: 60, ScaleFactor: 1}
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll}, map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()},
		func(o *Options) { o.Settings = initial })

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))

	changed := initial
	changed.Quality = 45
	changed.TargetFPS = 60
	require.NoError(t, h.rec.SetSettings(changed))
	assert.Equal(t, 45, h.rec.Settings().Quality)

	h.waitFrames(t, 2)
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)

	job := h.encoder.lastJob()
	assert.Equal(t, 15, job.Quality)
	assert.Equal(t, 10, job.FPSCap)
	assert.Equal(t, 10, job.NominalFPS)
	params := h.factory.backends(capture.MethodPixelPoll)[0].Params()
	assert.Equal(t, 10, params.FPS)
	assert.Equal(t, initial.FrameJPEGQuality(), params.JPEGQuality)

	assert.Error(t, h.rec.SetSettings(settings.Settings{}), "invalid settings are rejected")
}

func TestRecorder_PauseResume(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited(), capture.MethodExternal: unlimited()})

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	h.waitFrames(t, 3)

	require.NoError(t, h.rec.TogglePause())
	snap := h.rec.Snapshot()
	assert.True(t, snap.IsPaused)
	first := h.factory.backends(capture.MethodPixelPoll)[0]
	assert.False(t, first.IsRunning())

	time.Sleep(3 * fastTimings.StallTimeout)
	paused := h.rec.Snapshot()
	assert.Equal(t, snap.FrameCount, paused.FrameCount)
	assert.Equal(t, snap.Duration, paused.Duration, "duration is frozen while paused")
	assert.Empty(t, h.factory.backends(capture.MethodExternal), "no stall fallback while paused")

	require.NoError(t, h.rec.TogglePause())
	assert.False(t, h.rec.Snapshot().IsPaused)
	pixel := h.factory.backends(capture.MethodPixelPoll)
	require.Len(t, pixel, 2, "resume restarts the same method")
	assert.Equal(t, paused.FrameCount, pixel[1].Params().StartIndex)

	h.waitFrames(t, paused.FrameCount+3)
	res, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.FrameCount, paused.FrameCount)
}

func TestRecorder_MaxDurationEndToEnd(t *testing.T) {
	clock := newScaledClock(10)
	cfg := settings.Settings{TargetFPS: 24, Quality: 15, OutputFormat: settings.FormatGIF, MaxDurationSeconds: 5, ScaleFactor: 1}
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll, capture.MethodExternal},
		map[capture.Method]fakeSpec{
			capture.MethodPixelPoll: {limit: -1, fps: 24},
			capture.MethodExternal:  {limit: -1, fps: 24},
		},
		func(o *Options) {
			o.Settings = cfg
			o.Clock = clock
			o.Timings = Timings{
				PollInterval:       5 * time.Millisecond,
				StallTimeout:       2 * time.Second,
				EarlyFailureWindow: 3 * time.Second,
			}
		})

	done := make(chan Result, 1)
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{
		Region:     &capture.Rect{X: 0, Y: 0, Width: 800, Height: 600},
		OnComplete: func(r Result) { done <- r },
	}))

	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("recording did not stop at the maximum duration")
	}

	require.NoError(t, res.Err)
	assert.True(t, strings.HasSuffix(res.OutputPath, ".gif"))
	assert.InDelta(t, 120, res.FrameCount, 12)
	assert.GreaterOrEqual(t, res.Duration, 5*time.Second)
	assert.Empty(t, h.sessionDirs(t))

	snap := h.rec.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.False(t, snap.IsSaving)
	assert.Equal(t, res.OutputPath, snap.LastSavedFilePath)

	stopped, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.OutputPath, stopped.OutputPath, "a later stop returns the auto-stop result")
	assert.Equal(t, int32(1), h.encoder.calls.Load())
}

func TestRecorder_HungEncodeTimesOut(t *testing.T) {
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll},
		map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()},
		func(o *Options) {
			o.Timings = fastTimings
			o.Timings.EncodeTimeout = 100 * time.Millisecond
		})
	h.encoder.block = make(chan struct{})
	defer close(h.encoder.block)

	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}))
	h.waitFrames(t, 3)

	_, err := h.rec.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := h.rec.Snapshot()
	assert.False(t, snap.IsSaving)
	assert.False(t, snap.IsRecording)
	assert.Contains(t, snap.LastErrorMessage, "encoding did not finish")
	assert.Empty(t, h.sessionDirs(t))
	assert.ErrorIs(t, h.rec.Cancel(), ErrNotRecording)
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{}), "recorder is usable again")
}

func TestEstimatedSize(t *testing.T) {
	assert.Equal(t, int64(120), estimatedSize(100, settings.FormatGIF))
	assert.Equal(t, int64(40), estimatedSize(100, settings.FormatWebP))
	assert.Equal(t, int64(10), estimatedSize(100, settings.FormatMP4))
}

func TestNoFramesHint(t *testing.T) {
	assert.Contains(t, noFramesHint(capture.PlatformCapabilities{OS: "darwin"}), "Screen Recording")
	assert.Contains(t, noFramesHint(capture.PlatformCapabilities{OS: "linux", Reason: "Wayland session detected"}), "Wayland")
	assert.Contains(t, noFramesHint(capture.PlatformCapabilities{OS: "windows"}), "active display")
}

// panicClock panics once armed, which blows up the next collector tick.
type panicClock struct {
	armed atomic.Bool
}

func (c *panicClock) Now() time.Time {
	if c.armed.Load() {
		panic("clock exploded")
	}
	return time.Now()
}

func TestRecorder_LoopPanicReturnsToIdle(t *testing.T) {
	clock := &panicClock{}
	h := newHarness(t, []capture.Method{capture.MethodPixelPoll},
		map[capture.Method]fakeSpec{capture.MethodPixelPoll: unlimited()},
		func(o *Options) { o.Clock = clock })

	done := make(chan Result, 1)
	require.NoError(t, h.rec.Start(context.Background(), StartOptions{
		OnComplete: func(res Result) { done <- res },
	}))
	h.waitFrames(t, 1)
	clock.armed.Store(true)

	select {
	case res := <-done:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "clock exploded")
	case <-time.After(3 * time.Second):
		t.Fatal("recording was not aborted after the loop panicked")
	}

	snap := h.rec.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.False(t, snap.IsSaving)
	assert.Contains(t, snap.LastErrorMessage, "capture loop failed")
	assert.Empty(t, h.sessionDirs(t))
	assert.Zero(t, h.encoder.calls.Load())
	for _, b := range h.factory.backends("") {
		assert.False(t, b.IsRunning())
	}

	_, err := h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}
