package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"
)

// grabber reads one frame of the screen per call.
type grabber interface {
	Open(region Rect) error
	Grab() (image.Image, error)
	Close() error
}

// pollingBackend drives a grabber at a fixed frame rate and writes every
// image it returns through a frameWriter. Native and PixelPoll differ only in
// the grabber they plug in.
type pollingBackend struct {
	method     Method
	newGrabber func() grabber

	// How long Stop and the first grab wait on the grabber before giving up.
	stopTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	lastLog time.Time
}

// Minimum spacing between repeated grab/write failure logs.
const failureLogInterval = 5 * time.Second

func (b *pollingBackend) Method() Method { return b.method }

func (b *pollingBackend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *pollingBackend) Start(ctx context.Context, p Params) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}
	if err := p.Region.Validate(); err != nil {
		return &InitError{Method: b.method, Err: err}
	}
	if p.FPS <= 0 {
		return &InitError{Method: b.method, Err: fmt.Errorf("fps must be positive, got %d", p.FPS)}
	}
	if info, err := os.Stat(p.OutputDir); err != nil || !info.IsDir() {
		return &InitError{Method: b.method, Err: fmt.Errorf("output directory %q is not usable", p.OutputDir)}
	}

	g := b.newGrabber()
	if err := g.Open(p.Region); err != nil {
		return &InitError{Method: b.method, Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w := newFrameWriter(loopCtx, p)

	// A first grab surfaces permission and display errors synchronously.
	first, err := grabWithin(g, b.timeout())
	if err == nil {
		_, err = w.Write(first)
	}
	if err != nil {
		cancel()
		g.Close()
		return &InitError{Method: b.method, Err: err}
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	interval := time.Second / time.Duration(p.FPS)
	go b.run(loopCtx, g, w, interval, b.done)

	slog.Debug("Capture backend started", "method", b.method, "region", p.Region.String(), "fps", p.FPS, "start_index", p.StartIndex)
	return nil
}

func (b *pollingBackend) run(ctx context.Context, g grabber, w *frameWriter, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer g.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := g.Grab()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logFailure("Frame grab failed", err)
			continue
		}
		if _, err := w.Write(img); err != nil && ctx.Err() == nil {
			b.logFailure("Frame write failed", err)
		}
	}
}

func (b *pollingBackend) logFailure(msg string, err error) {
	now := time.Now()
	if now.Sub(b.lastLog) < failureLogInterval {
		return
	}
	b.lastLog = now
	slog.Warn(msg, "method", b.method, "error", err)
}

// Stop cancels the loop and waits for the in-flight frame to finish. A grab
// that hangs past the stop timeout is abandoned; its frame is never published.
func (b *pollingBackend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel, done := b.cancel, b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	timeout := b.timeout()
	select {
	case <-done:
		slog.Debug("Capture backend stopped", "method", b.method)
		return nil
	case <-time.After(timeout):
		slog.Warn("Capture backend did not stop within timeout, abandoning it", "method", b.method, "timeout", timeout)
		return fmt.Errorf("%s did not stop within %s: %w", b.method.DisplayName(), timeout, ErrStalled)
	}
}

func (b *pollingBackend) timeout() time.Duration {
	if b.stopTimeout <= 0 {
		return defaultStopTimeout
	}
	return b.stopTimeout
}

type grabResult struct {
	img image.Image
	err error
}

// grabWithin runs one Grab and gives up after d. The grab keeps running in
// the background if it hangs.
func grabWithin(g grabber, d time.Duration) (image.Image, error) {
	ch := make(chan grabResult, 1)
	go func() {
		img, err := g.Grab()
		ch <- grabResult{img, err}
	}()
	select {
	case r := <-ch:
		return r.img, r.err
	case <-time.After(d):
		return nil, fmt.Errorf("first frame not grabbed within %s: %w", d, ErrStalled)
	}
}
