package encode

import (
	"math"
	"time"
)

// actualFPS is the rate frames really arrived at, so playback length
// matches the wall-clock recording length.
func actualFPS(frames int, wall time.Duration, nominal int) int {
	if frames <= 0 || wall <= 0 {
		return clampInt(nominal, 1, 60)
	}
	return clampInt(int(math.Round(float64(frames)/wall.Seconds())), 1, 60)
}

// gifPaletteQuality maps quality 1..50 to 25..80.
func gifPaletteQuality(q int, fastPreview bool) int {
	if fastPreview {
		return 25
	}
	q = clampInt(q, 1, 50)
	return 25 + (q-1)*55/49
}

func gifMaxColors(pq int) int {
	return clampInt(256*pq/100, 32, 256)
}

func gifDither(pq int) string {
	switch {
	case pq >= 60:
		return "sierra2_4a"
	case pq >= 40:
		return "bayer:bayer_scale=3"
	}
	return "none"
}

// webpQuality maps quality 1..50 to libwebp quality 10..75.
func webpQuality(q int) int {
	q = clampInt(q, 1, 50)
	return 10 + (q-1)*65/49
}

func mp4CRF(q int) int {
	switch {
	case q >= 50:
		return 0
	case q >= 45:
		return 15
	case q >= 40:
		return 18
	case q >= 30:
		return 23
	case q >= 20:
		return 28
	case q >= 10:
		return 32
	}
	return 35
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
