package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/session"
)

// fallbackState tracks where in the fallback chain the recording is. pos
// only ever moves forward, so a recording makes at most len(chain)-1
// transitions.
type fallbackState struct {
	chain     []capture.Method
	pos       int
	exhausted bool
}

func (f *fallbackState) isLast() bool { return f.pos >= len(f.chain)-1 }

type tickOutcome int

const (
	tickContinue tickOutcome = iota
	tickMaxDuration
)

// collect is the per-recording loop. It exits when the recording context
// is canceled or the maximum duration is reached.
func (r *Recorder) collect(rec *recording) {
	defer close(rec.loopDone)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Capture loop panicked", "session", rec.id, "panic", p)
			rec.end(func() { r.discard(rec, fmt.Errorf("capture loop failed: %v", p)) })
		}
	}()

	ctx, cancel := context.WithCancel(rec.ctx)
	defer cancel()
	wake := rec.sink.Watch(ctx)

	ticker := time.NewTicker(r.timings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		if r.tick(rec) == tickMaxDuration {
			slog.Info("Maximum duration reached, stopping", "session", rec.id, "max_seconds", rec.settings.MaxDurationSeconds)
			rec.end(func() { r.finish(rec) })
			return
		}
	}
}

func (r *Recorder) tick(rec *recording) tickOutcome {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.ending || rec.paused {
		return tickContinue
	}

	r.pollLocked(rec)
	now := r.clock.Now()
	duration := r.activeDuration(rec, now)
	r.publishProgressLocked(rec, duration)

	if duration >= time.Duration(rec.settings.MaxDurationSeconds)*time.Second {
		return tickMaxDuration
	}
	if rec.backend == nil || rec.fb.exhausted {
		return tickContinue
	}

	method := rec.backend.Method()
	count := rec.sink.Count()

	if count == 0 {
		if now.Sub(rec.backendStartedAt) < r.timings.EarlyFailureWindow {
			return tickContinue
		}
		reason := fmt.Sprintf("no frames from %s within %s", method.DisplayName(), r.timings.EarlyFailureWindow)
		if rec.fb.isLast() {
			r.giveUpLocked(rec, reason)
			return tickContinue
		}
		r.fallbackLocked(rec, reason)
		return tickContinue
	}

	idle := now.Sub(rec.lastFrameAt)
	if idle <= r.timings.StallTimeout || method == capture.MethodNative {
		return tickContinue
	}
	stall := &StallError{Method: method, Idle: idle}
	if rec.fb.isLast() {
		if !rec.stallLogged {
			rec.stallLogged = true
			slog.Warn("Capture stalled with no fallback left", "session", rec.id, "error", stall)
		}
		return tickContinue
	}
	slog.Warn("Capture stalled", "session", rec.id, "error", stall)
	r.fallbackLocked(rec, "previous method stalled")
	return tickContinue
}

// pollLocked picks up new frame files and credits them to the current
// backend.
func (r *Recorder) pollLocked(rec *recording) {
	added, err := rec.sink.Poll()
	if err != nil {
		slog.Debug("Frame poll failed", "session", rec.id, "error", err)
		return
	}
	if len(added) == 0 {
		return
	}
	rec.lastFrameAt = r.clock.Now()
	rec.stallLogged = false
	if rec.backend != nil {
		r.diag.frames(rec.backend.Method(), len(added))
	}
}

// publishProgressLocked publishes when the frame count changes or the
// duration crosses into a new 100ms bucket.
func (r *Recorder) publishProgressLocked(rec *recording, duration time.Duration) {
	count := rec.sink.Count()
	bucket := int64(duration / (100 * time.Millisecond))
	if count == rec.lastCount && bucket == rec.lastBucket {
		return
	}
	if count != rec.lastCount && count%50 == 0 {
		slog.Debug("Capture progress", "session", rec.id, "frames", count, "size", humanSize(rec.sink.Bytes()))
	}
	rec.lastCount = count
	rec.lastBucket = bucket

	size := estimatedSize(rec.sink.Bytes(), rec.settings.OutputFormat)
	r.publish(rec, func(snap *session.Snapshot) {
		snap.FrameCount = count
		snap.Duration = duration
		snap.EstimatedSizeBytes = size
	})
}

// fallbackLocked stops the current backend and starts the next one in the
// chain that will start, continuing the frame numbering.
func (r *Recorder) fallbackLocked(rec *recording, reason string) {
	var from capture.Method
	if rec.backend != nil {
		from = rec.backend.Method()
	}
	r.stopBackendLocked(rec)
	r.pollLocked(rec)

	now := r.clock.Now()
	var failures []string
	for next := rec.fb.pos + 1; next < len(rec.fb.chain); next++ {
		m := rec.fb.chain[next]
		b, err := r.startBackend(rec, m)
		r.diag.attempt(m, now, err)
		if err != nil {
			slog.Warn("Fallback backend failed to start", "session", rec.id, "method", m, "error", err)
			failures = append(failures, fmt.Sprintf("%s failed to start: %v", m.DisplayName(), err))
			continue
		}

		rec.fb.pos = next
		rec.backend = b
		rec.backendStartedAt = now
		rec.lastFrameAt = now
		rec.stallLogged = false
		rec.details = strings.Join(append([]string{reason}, failures...), "; ")
		r.diag.transition(from, m, rec.details, now)

		slog.Info("Switched capture method", "session", rec.id, "from", from, "to", m, "reason", reason, "start_index", rec.sink.NextIndex())
		r.publish(rec, func(snap *session.Snapshot) {
			snap.ActiveCaptureMethod = m.DisplayName()
			snap.CaptureMethodDetails = rec.details
		})
		return
	}

	rec.fb.pos = len(rec.fb.chain) - 1
	if len(failures) > 0 {
		reason = reason + "; " + strings.Join(failures, "; ")
	}

	// Nothing left to switch to; give the previous method another go.
	if from != "" {
		if b, err := r.startBackend(rec, from); err == nil {
			rec.backend = b
			rec.backendStartedAt = now
			rec.lastFrameAt = now
			r.diag.attempt(from, now, nil)
		} else {
			r.diag.attempt(from, now, err)
			rec.backend = nil
		}
	}
	r.giveUpLocked(rec, reason)
}

// giveUpLocked marks the chain exhausted and records why. The message
// becomes the NoFramesCapturedError text if nothing was captured.
func (r *Recorder) giveUpLocked(rec *recording, reason string) {
	rec.fb.exhausted = true
	tried := make([]string, 0, rec.fb.pos+1)
	for _, m := range rec.fb.chain[:rec.fb.pos+1] {
		tried = append(tried, m.DisplayName())
	}
	rec.diagnostic = fmt.Sprintf("%s (tried %s); %s", reason, strings.Join(tried, ", "), noFramesHint(r.caps))
	rec.details = reason
	r.diag.note(rec.diagnostic)

	slog.Warn("No capture fallback left", "session", rec.id, "reason", reason)
	r.publish(rec, func(snap *session.Snapshot) { snap.CaptureMethodDetails = reason })
}
