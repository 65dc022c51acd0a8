// Package recorder drives a recording from start to saved file: it picks a
// capture backend, watches the frames it produces, falls back to the next
// backend when one fails or stalls, and hands the frames to the encoder.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/encode"
	"github.com/audiolibrelab/screenclip/internal/framesink"
	"github.com/audiolibrelab/screenclip/internal/session"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// Encoder transcodes captured frames into the output file.
type Encoder interface {
	Ready() error
	Encode(ctx context.Context, job encode.Job, onProgress func(int)) (string, error)
}

// TempDirs creates and removes per-session frame directories.
type TempDirs interface {
	CreateSessionDir() (string, error)
	CleanupStale() ([]string, error)
	Cleanup(dir string) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Timings are the collector's thresholds.
type Timings struct {
	PollInterval       time.Duration
	StallTimeout       time.Duration
	EarlyFailureWindow time.Duration

	// EncodeTimeout bounds the transcoder run after Stop.
	EncodeTimeout time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		PollInterval:       100 * time.Millisecond,
		StallTimeout:       2 * time.Second,
		EarlyFailureWindow: 3 * time.Second,
		EncodeTimeout:      10 * time.Minute,
	}
}

type Options struct {
	Factory      capture.Factory
	Capabilities capture.PlatformCapabilities
	Encoder      Encoder
	TempDirs     TempDirs
	OutputDir    string
	Settings     settings.Settings
	Timings      Timings
	Clock        Clock

	// DisplayBounds supplies the region when Start is given none.
	DisplayBounds func() (capture.Rect, error)
}

// StartOptions are per-recording callbacks and the capture region.
// OnUpdate runs on the collector goroutine and must not call back into
// the Recorder.
type StartOptions struct {
	Region     *capture.Rect
	OnUpdate   func(session.Snapshot)
	OnComplete func(Result)
}

// Result is the outcome of a recording. Err is nil on success.
type Result struct {
	SessionID  string                `json:"session_id"`
	OutputPath string                `json:"output_path,omitempty"`
	Format     settings.OutputFormat `json:"format"`
	FrameCount int                   `json:"frame_count"`
	Duration   time.Duration         `json:"duration"`
	Method     capture.Method        `json:"method"`
	Err        error                 `json:"-"`
}

type Recorder struct {
	factory       capture.Factory
	caps          capture.PlatformCapabilities
	encoder       Encoder
	tempDirs      TempDirs
	outputDir     string
	timings       Timings
	clock         Clock
	displayBounds func() (capture.Rect, error)

	store *session.Store
	diag  *diagnostics

	mu       sync.Mutex
	settings settings.Settings
	rec      *recording
	last     *recording
}

func New(opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	d := DefaultTimings()
	if opts.Timings.PollInterval <= 0 {
		opts.Timings.PollInterval = d.PollInterval
	}
	if opts.Timings.StallTimeout <= 0 {
		opts.Timings.StallTimeout = d.StallTimeout
	}
	if opts.Timings.EarlyFailureWindow <= 0 {
		opts.Timings.EarlyFailureWindow = d.EarlyFailureWindow
	}
	if opts.Timings.EncodeTimeout <= 0 {
		opts.Timings.EncodeTimeout = d.EncodeTimeout
	}
	if opts.DisplayBounds == nil {
		opts.DisplayBounds = capture.PrimaryDisplay
	}
	if opts.Settings == (settings.Settings{}) {
		opts.Settings = settings.Default()
	}

	return &Recorder{
		factory:       opts.Factory,
		caps:          opts.Capabilities,
		encoder:       opts.Encoder,
		tempDirs:      opts.TempDirs,
		outputDir:     opts.OutputDir,
		timings:       opts.Timings,
		clock:         opts.Clock,
		displayBounds: opts.DisplayBounds,
		store:         session.NewStore(),
		diag:          newDiagnostics(opts.Capabilities),
		settings:      opts.Settings,
	}
}

// SetSettings replaces the settings used by the next recording. A
// recording in progress keeps the snapshot it started with.
func (r *Recorder) SetSettings(s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Settings() settings.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *Recorder) Snapshot() session.Snapshot { return r.store.Snapshot() }

// Subscribe streams snapshots; see session.Store.Subscribe.
func (r *Recorder) Subscribe() (<-chan session.Snapshot, func()) { return r.store.Subscribe() }

func (r *Recorder) Diagnostics() DiagnosticsReport {
	if p, ok := r.encoder.(interface{ TranscoderPath() string }); ok {
		r.diag.transcoder(p.TranscoderPath(), "")
	}
	return r.diag.snapshot()
}

func (r *Recorder) Capabilities() capture.PlatformCapabilities { return r.caps }

// Start begins a recording with a snapshot of the current settings.
func (r *Recorder) Start(ctx context.Context, opts StartOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec != nil {
		if r.rec.saving() {
			return ErrBusy
		}
		return ErrAlreadyRecording
	}

	s := r.settings
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid capture settings: %w", err)
	}

	if err := r.encoder.Ready(); err != nil {
		r.setLastError(err)
		return err
	}

	region, err := r.resolveRegion(opts.Region)
	if err != nil {
		r.setLastError(err)
		return err
	}

	if removed, err := r.tempDirs.CleanupStale(); err != nil {
		slog.Warn("Stale session cleanup incomplete", "error", err)
	} else if len(removed) > 0 {
		slog.Debug("Removed stale session directories", "dirs", removed)
	}
	dir, err := r.tempDirs.CreateSessionDir()
	if err != nil {
		r.setLastError(err)
		return err
	}

	rec := newRecording(s, region, dir, r.caps.FallbackOrder, opts)
	now := r.clock.Now()
	snap := r.store.Begin(s.OutputFormat, "")
	rec.id = snap.SessionID
	r.diag.begin(rec.id)

	if err := r.startInitialBackend(rec, now); err != nil {
		rec.cancel()
		r.tempDirs.Cleanup(dir)
		r.store.Reset()
		r.setLastError(err)
		return err
	}

	rec.startedAt = now
	rec.lastFrameAt = now
	r.rec = rec
	r.last = nil

	r.publish(rec, func(snap *session.Snapshot) {
		snap.ActiveCaptureMethod = rec.backend.Method().DisplayName()
		snap.CaptureMethodDetails = rec.details
	})

	go r.collect(rec)

	slog.Info("Recording started",
		"session", rec.id,
		"method", rec.backend.Method(),
		"region", region.String(),
		"fps", rec.captureFPS,
		"format", s.OutputFormat)
	return nil
}

func (r *Recorder) resolveRegion(region *capture.Rect) (capture.Rect, error) {
	if region != nil {
		if err := region.Validate(); err != nil {
			return capture.Rect{}, err
		}
		return *region, nil
	}
	bounds, err := r.displayBounds()
	if err != nil {
		return capture.Rect{}, fmt.Errorf("cannot determine capture region: %w", err)
	}
	return bounds, bounds.Validate()
}

// startInitialBackend walks the fallback order and keeps the first backend
// that starts.
func (r *Recorder) startInitialBackend(rec *recording, now time.Time) error {
	if len(rec.fb.chain) == 0 {
		return fmt.Errorf("no capture methods available on this platform")
	}

	var errs *multierror.Error
	for i, m := range rec.fb.chain {
		b, err := r.startBackend(rec, m)
		r.diag.attempt(m, now, err)
		if err != nil {
			slog.Warn("Capture backend failed to start", "method", m, "error", err)
			errs = multierror.Append(errs, err)
			continue
		}
		rec.fb.pos = i
		rec.backend = b
		rec.backendStartedAt = now
		if i > 0 {
			rec.details = fmt.Sprintf("%s failed to start: %v", rec.fb.chain[i-1].DisplayName(), errs.Errors[len(errs.Errors)-1])
			r.diag.transition(rec.fb.chain[i-1], m, rec.details, now)
		}
		return nil
	}
	return fmt.Errorf("no capture backend could start: %w", errs.ErrorOrNil())
}

func (r *Recorder) startBackend(rec *recording, m capture.Method) (capture.Backend, error) {
	b, err := r.factory(m)
	if err != nil {
		return nil, err
	}
	p := capture.Params{
		Region:      rec.region,
		FPS:         rec.captureFPS,
		Scale:       rec.settings.ScaleFactor,
		Quality:     rec.settings.Quality,
		JPEGQuality: rec.settings.FrameJPEGQuality(),
		OutputDir:   rec.dir,
		StartIndex:  rec.sink.NextIndex(),
	}
	if err := b.Start(rec.ctx, p); err != nil {
		return nil, err
	}
	return b, nil
}

// Pause stops the backend and freezes the duration.
func (r *Recorder) Pause() error {
	rec, err := r.active()
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.paused || rec.ending {
		return nil
	}
	if rec.backend != nil {
		if err := rec.backend.Stop(); err != nil {
			slog.Warn("Failed to stop capture backend on pause", "method", rec.backend.Method(), "error", err)
		}
	}
	r.pollLocked(rec)
	now := r.clock.Now()
	r.publishProgressLocked(rec, r.activeDuration(rec, now))
	rec.paused = true
	rec.pausedAt = now
	r.publish(rec, func(snap *session.Snapshot) { snap.IsPaused = true })
	slog.Info("Recording paused", "session", rec.id)
	return nil
}

// Resume restarts the method that was active when paused.
func (r *Recorder) Resume() error {
	rec, err := r.active()
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.paused || rec.ending {
		return nil
	}
	now := r.clock.Now()
	rec.pausedTotal += now.Sub(rec.pausedAt)
	rec.paused = false
	rec.lastFrameAt = now
	rec.backendStartedAt = now

	if rec.backend != nil {
		m := rec.backend.Method()
		b, err := r.startBackend(rec, m)
		r.diag.attempt(m, now, err)
		if err == nil {
			rec.backend = b
		} else {
			slog.Warn("Capture backend failed to restart", "method", m, "error", err)
			r.fallbackLocked(rec, fmt.Sprintf("%s failed to restart: %v", m.DisplayName(), err))
		}
	}
	r.publish(rec, func(snap *session.Snapshot) { snap.IsPaused = false })
	slog.Info("Recording resumed", "session", rec.id)
	return nil
}

func (r *Recorder) TogglePause() error {
	rec, err := r.active()
	if err != nil {
		return err
	}
	rec.mu.Lock()
	paused := rec.paused
	rec.mu.Unlock()
	if paused {
		return r.Resume()
	}
	return r.Pause()
}

// Stop ends the recording and encodes it. Calling Stop again, while the
// save runs or after it finished, returns the same result without encoding
// twice.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	rec := r.rec
	if rec == nil {
		rec = r.last
	}
	r.mu.Unlock()
	if rec == nil {
		return Result{}, ErrNotRecording
	}

	rec.end(func() { r.finish(rec) })

	select {
	case <-rec.done:
		return rec.result, rec.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel discards the recording without encoding.
func (r *Recorder) Cancel() error {
	rec, err := r.active()
	if err != nil {
		return err
	}
	if !rec.end(func() { r.discard(rec, ErrCanceled) }) {
		return ErrBusy
	}
	<-rec.done
	return nil
}

// Reset returns the session to idle. Last saved path and last error stay.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		return ErrBusy
	}
	r.last = nil
	r.store.Reset()
	if _, err := r.tempDirs.CleanupStale(); err != nil {
		slog.Warn("Stale session cleanup incomplete", "error", err)
	}
	return nil
}

func (r *Recorder) ClearLastError() {
	r.store.ClearLastError()
}

func (r *Recorder) active() (*recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return nil, ErrNotRecording
	}
	return r.rec, nil
}

func (r *Recorder) setLastError(err error) {
	r.store.Update(func(snap *session.Snapshot) { snap.LastErrorMessage = err.Error() })
}

func (r *Recorder) publish(rec *recording, fn func(*session.Snapshot)) {
	snap := r.store.Update(func(snap *session.Snapshot) {
		if snap.SessionID != rec.id {
			return
		}
		fn(snap)
	})
	if rec.onUpdate != nil && snap.SessionID == rec.id {
		rec.onUpdate(snap)
	}
}

// finish runs once per recording: stop capture, encode, clean up.
func (r *Recorder) finish(rec *recording) {
	rec.cancel()
	<-rec.loopDone

	rec.mu.Lock()
	r.stopBackendLocked(rec)
	r.pollLocked(rec)
	duration := r.activeDuration(rec, r.clock.Now())
	method := capture.Method("")
	if rec.backend != nil {
		method = rec.backend.Method()
	}
	diagnostic := rec.diagnostic
	rec.mu.Unlock()

	frames := rec.sink.Paths()
	r.mu.Lock()
	rec.setSaving()
	r.mu.Unlock()
	r.publish(rec, func(snap *session.Snapshot) {
		snap.IsRecording = false
		snap.IsSaving = true
		snap.SaveProgressPercent = 0
		snap.FrameCount = len(frames)
		snap.Duration = duration
	})

	res := Result{
		SessionID:  rec.id,
		Format:     rec.settings.OutputFormat,
		FrameCount: len(frames),
		Duration:   duration,
		Method:     method,
	}

	if len(frames) == 0 {
		if diagnostic == "" {
			diagnostic = noFramesHint(r.caps)
		}
		res.Err = &NoFramesCapturedError{Message: diagnostic}
	} else {
		s := rec.settings
		job := encode.Job{
			Frames:      frames,
			Format:      s.OutputFormat,
			NominalFPS:  rec.captureFPS,
			Quality:     s.Quality,
			FastPreview: s.FastPreviewMode,
			WallClock:   duration,
			OutputDir:   r.outputDir,
			WorkDir:     rec.dir,
			Now:         r.clock.Now(),
		}
		if s.OutputFormat == settings.FormatGIF {
			job.FPSCap = s.GIFFrameRateCap()
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timings.EncodeTimeout)
		res.OutputPath, res.Err = r.encoder.Encode(ctx, job, func(p int) {
			r.publish(rec, func(snap *session.Snapshot) { snap.SaveProgressPercent = p })
		})
		if res.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Errorf("encoding did not finish within %s: %w", r.timings.EncodeTimeout, context.DeadlineExceeded)
		}
		cancel()
		if t, ok := r.encoder.(interface{ LastStderr() string }); ok {
			r.diag.transcoder("", t.LastStderr())
		}
	}

	if err := r.tempDirs.Cleanup(rec.dir); err != nil {
		slog.Warn("Failed to remove session directory", "dir", rec.dir, "error", err)
	}

	r.publish(rec, func(snap *session.Snapshot) {
		snap.IsSaving = false
		if res.Err != nil {
			snap.LastErrorMessage = res.Err.Error()
			return
		}
		snap.LastSavedFilePath = res.OutputPath
		snap.LastErrorMessage = ""
	})

	if res.Err != nil {
		slog.Error("Recording failed", "session", rec.id, "frames", res.FrameCount, "error", res.Err)
	} else {
		slog.Info("Recording finished", "session", rec.id, "frames", res.FrameCount,
			"duration", duration.Round(time.Millisecond), "output", res.OutputPath)
	}

	r.complete(rec, res, true)
}

// discard ends the recording without encoding. cause is ErrCanceled for a
// user cancel, otherwise the internal failure that ended the recording.
func (r *Recorder) discard(rec *recording, cause error) {
	rec.cancel()
	<-rec.loopDone

	rec.mu.Lock()
	r.stopBackendLocked(rec)
	rec.mu.Unlock()

	if err := r.tempDirs.Cleanup(rec.dir); err != nil {
		slog.Warn("Failed to remove session directory", "dir", rec.dir, "error", err)
	}

	r.store.Reset()
	if !errors.Is(cause, ErrCanceled) {
		r.setLastError(cause)
		slog.Error("Recording aborted", "session", rec.id, "error", cause)
	} else {
		slog.Info("Recording canceled", "session", rec.id)
	}

	r.complete(rec, Result{
		SessionID:  rec.id,
		Format:     rec.settings.OutputFormat,
		FrameCount: rec.sink.Count(),
		Err:        cause,
	}, false)
}

func (r *Recorder) complete(rec *recording, res Result, keep bool) {
	r.mu.Lock()
	if r.rec == rec {
		r.rec = nil
	}
	if keep {
		r.last = rec
	}
	rec.result = res
	close(rec.done)
	r.mu.Unlock()

	if rec.onComplete != nil {
		rec.onComplete(res)
	}
}

func (r *Recorder) stopBackendLocked(rec *recording) {
	if rec.backend == nil || !rec.backend.IsRunning() {
		return
	}
	if err := rec.backend.Stop(); err != nil {
		slog.Warn("Failed to stop capture backend", "method", rec.backend.Method(), "error", err)
	}
}

func (r *Recorder) activeDuration(rec *recording, now time.Time) time.Duration {
	if rec.paused {
		now = rec.pausedAt
	}
	d := now.Sub(rec.startedAt) - rec.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

func estimatedSize(captured int64, f settings.OutputFormat) int64 {
	switch f {
	case settings.FormatGIF:
		return captured * 12 / 10
	case settings.FormatWebP:
		return captured * 4 / 10
	case settings.FormatMP4:
		return captured / 10
	}
	return captured
}

func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// recording is the state of one session. mu guards the capture fields;
// the collector holds it for a whole tick.
type recording struct {
	id         string
	settings   settings.Settings
	captureFPS int
	region     capture.Rect
	dir        string
	sink       *framesink.Sink
	onUpdate   func(session.Snapshot)
	onComplete func(Result)

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu               sync.Mutex
	fb               fallbackState
	backend          capture.Backend
	backendStartedAt time.Time
	startedAt        time.Time
	lastFrameAt      time.Time
	paused           bool
	pausedAt         time.Time
	pausedTotal      time.Duration
	details          string
	diagnostic       string
	stallLogged      bool
	lastCount        int
	lastBucket       int64
	ending           bool

	endOnce  sync.Once
	isSaving bool
	done     chan struct{}
	result   Result
}

func newRecording(s settings.Settings, region capture.Rect, dir string, chain []capture.Method, opts StartOptions) *recording {
	ctx, cancel := context.WithCancel(context.Background())
	return &recording{
		settings:   s,
		captureFPS: s.CaptureFPS(),
		region:     region,
		dir:        dir,
		sink:       framesink.New(dir),
		onUpdate:   opts.OnUpdate,
		onComplete: opts.OnComplete,
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		fb:         fallbackState{chain: append([]capture.Method(nil), chain...)},
		lastBucket: -1,
		done:       make(chan struct{}),
	}
}

// end runs fn in a new goroutine the first time it is called and reports
// whether this call was the one that started it.
func (rec *recording) end(fn func()) bool {
	started := false
	rec.endOnce.Do(func() {
		started = true
		rec.mu.Lock()
		rec.ending = true
		rec.mu.Unlock()
		go fn()
	})
	return started
}

// saving and setSaving are guarded by Recorder.mu.
func (rec *recording) saving() bool { return rec.isSaving }

func (rec *recording) setSaving() { rec.isSaving = true }
