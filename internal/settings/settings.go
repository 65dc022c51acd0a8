package settings

import (
	"fmt"
	"strings"
)

// OutputFormat is the container the captured frames are transcoded into.
type OutputFormat string

const (
	FormatGIF  OutputFormat = "gif"
	FormatWebP OutputFormat = "webp"
	FormatMP4  OutputFormat = "mp4"
)

// Limits for the user-facing knobs.
const (
	MinFPS     = 1
	MaxFPS     = 60
	MinQuality = 1
	MaxQuality = 50
	MaxScale   = 4.0
)

// GIF frame rate tiers. Bounding the rate keeps file size and encode time sane.
const (
	gifFPSLow    = 10
	gifFPSMedium = 12
	gifFPSHigh   = 15
)

// ParseFormat converts a user string ("GIF", "webp", ...) into an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatGIF:
		return FormatGIF, nil
	case FormatWebP:
		return FormatWebP, nil
	case FormatMP4:
		return FormatMP4, nil
	}
	return "", fmt.Errorf("unsupported output format %q (valid: gif, webp, mp4)", s)
}

// Extension returns the file extension without the dot.
func (f OutputFormat) Extension() string {
	return string(f)
}

// Settings is an immutable snapshot of the capture knobs for one recording.
// It is a value type: copying it is how the recorder isolates an in-flight
// recording from later changes.
type Settings struct {
	TargetFPS          int          `mapstructure:"fps" yaml:"fps" json:"fps"`
	Quality            int          `mapstructure:"quality" yaml:"quality" json:"quality"`
	OutputFormat       OutputFormat `mapstructure:"format" yaml:"format" json:"format"`
	MaxDurationSeconds int          `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds" json:"max_duration_seconds"`
	ScaleFactor        float64      `mapstructure:"scale_factor" yaml:"scale_factor" json:"scale_factor"`
	FastPreviewMode    bool         `mapstructure:"fast_preview" yaml:"fast_preview" json:"fast_preview"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		TargetFPS:          15,
		Quality:            30,
		OutputFormat:       FormatGIF,
		MaxDurationSeconds: 60,
		ScaleFactor:        1.0,
	}
}

// Validate reports the first out-of-range field.
func (s Settings) Validate() error {
	if s.TargetFPS < MinFPS || s.TargetFPS > MaxFPS {
		return fmt.Errorf("fps must be between %d and %d, got %d", MinFPS, MaxFPS, s.TargetFPS)
	}
	if s.Quality < MinQuality || s.Quality > MaxQuality {
		return fmt.Errorf("quality must be between %d and %d, got %d", MinQuality, MaxQuality, s.Quality)
	}
	if _, err := ParseFormat(string(s.OutputFormat)); err != nil {
		return err
	}
	if s.MaxDurationSeconds <= 0 {
		return fmt.Errorf("max duration must be positive, got %d", s.MaxDurationSeconds)
	}
	if s.ScaleFactor <= 0 || s.ScaleFactor > MaxScale {
		return fmt.Errorf("scale factor must be in (0, %.0f], got %g", MaxScale, s.ScaleFactor)
	}
	return nil
}

// Normalize clamps every field into its valid range. Unknown formats become GIF.
func (s Settings) Normalize() Settings {
	s.TargetFPS = clamp(s.TargetFPS, MinFPS, MaxFPS)
	s.Quality = clamp(s.Quality, MinQuality, MaxQuality)
	if f, err := ParseFormat(string(s.OutputFormat)); err == nil {
		s.OutputFormat = f
	} else {
		s.OutputFormat = FormatGIF
	}
	if s.MaxDurationSeconds <= 0 {
		s.MaxDurationSeconds = Default().MaxDurationSeconds
	}
	if s.ScaleFactor <= 0 {
		s.ScaleFactor = 1.0
	}
	if s.ScaleFactor > MaxScale {
		s.ScaleFactor = MaxScale
	}
	return s
}

// GIFFrameRateCap is the highest frame rate a GIF of this quality tier is
// captured and encoded at.
func (s Settings) GIFFrameRateCap() int {
	switch {
	case s.FastPreviewMode:
		return gifFPSLow
	case s.Quality < 20:
		return gifFPSLow
	case s.Quality < 40:
		return gifFPSMedium
	default:
		return gifFPSHigh
	}
}

// CaptureFPS is the rate backends are asked to produce frames at.
func (s Settings) CaptureFPS() int {
	fps := clamp(s.TargetFPS, MinFPS, MaxFPS)
	if s.OutputFormat == FormatGIF {
		if limit := s.GIFFrameRateCap(); fps > limit {
			return limit
		}
	}
	return fps
}

// FrameJPEGQuality maps quality 1..50 onto JPEG quality 31..95.
func (s Settings) FrameJPEGQuality() int {
	q := clamp(s.Quality, MinQuality, MaxQuality)
	return 31 + (q-MinQuality)*64/(MaxQuality-MinQuality)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
