package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Method identifies a capture backend variant.
type Method string

const (
	MethodNative    Method = "native"
	MethodPixelPoll Method = "pixel-poll"
	MethodExternal  Method = "external-process"
)

// DisplayName is the human readable name shown in status output.
func (m Method) DisplayName() string {
	switch m {
	case MethodNative:
		return "NativeScreenCapture"
	case MethodPixelPoll:
		return "PixelPollCapture"
	case MethodExternal:
		return "ExternalProcessCapture"
	}
	return string(m)
}

var (
	ErrNotImplemented = errors.New("capture backend is not implemented on this platform")
	ErrAlreadyRunning = errors.New("capture backend is already running")
	ErrInvalidRegion  = errors.New("invalid capture region")
	ErrStalled        = errors.New("capture backend stalled")
)

// InitError is returned by Backend.Start when the backend cannot begin
// producing frames (missing permission, API unavailable, no display).
type InitError struct {
	Method Method
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s failed to start: %v", e.Method.DisplayName(), e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Rect is a screen rectangle in pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: size must be positive, got %dx%d", ErrInvalidRegion, r.Width, r.Height)
	}
	return nil
}

func (r Rect) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.X, r.Y, r.Width, r.Height)
}

func (r Rect) ImageRect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func RectFromImage(r image.Rectangle) Rect {
	return Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// ParseRect parses "x,y,width,height".
func ParseRect(s string) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("%w: expected x,y,width,height, got %q", ErrInvalidRegion, s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Rect{}, fmt.Errorf("%w: %q is not a number", ErrInvalidRegion, p)
		}
		v[i] = n
	}
	r := Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	return r, r.Validate()
}

// Params are the per-start knobs handed to a backend.
type Params struct {
	Region    Rect
	FPS       int
	Scale     float64
	Quality   int // 1..50
	OutputDir string

	// JPEGQuality is the encoder quality for frames written by pixel
	// backends. Zero means jpeg.DefaultQuality.
	JPEGQuality int

	// StartIndex is the index of the first frame file this backend writes,
	// so numbering continues across backend switches.
	StartIndex int
}

// Backend produces frame files into Params.OutputDir until stopped.
//
// Start must return quickly; frames are produced asynchronously. Stop is
// idempotent and must not fail when the backend is already stopped.
type Backend interface {
	Method() Method
	Start(ctx context.Context, params Params) error
	Stop() error
	IsRunning() bool
}

// PathResolver returns the path of the ffmpeg binary.
type PathResolver interface {
	Path() (string, error)
}

// Factory creates a fresh backend for a method.
type Factory func(Method) (Backend, error)

// FactoryOptions configures NewFactory.
type FactoryOptions struct {
	Transcoder  PathResolver
	StopTimeout time.Duration
}

// NewFactory returns the production backend factory.
func NewFactory(opts FactoryOptions) Factory {
	return func(m Method) (Backend, error) {
		switch m {
		case MethodNative:
			return NewNative(opts.StopTimeout), nil
		case MethodPixelPoll:
			return NewPixelPoll(opts.StopTimeout), nil
		case MethodExternal:
			return NewExternalProcess(opts.Transcoder, opts.StopTimeout), nil
		}
		return nil, fmt.Errorf("unknown capture method %q", m)
	}
}
