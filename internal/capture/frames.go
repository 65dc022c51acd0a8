package capture

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
)

// Frame files are frame_000000.jpg, frame_000001.jpg, ... so that lexical
// order equals capture order.
const (
	FramePrefix  = "frame_"
	FrameExt     = ".jpg"
	FramePattern = FramePrefix + "%06d" + FrameExt
)

func FrameName(index int) string {
	return fmt.Sprintf(FramePattern, index)
}

// ParseFrameIndex extracts the index from a frame file name (base name or path).
func ParseFrameIndex(name string) (int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, FramePrefix) || !strings.HasSuffix(base, FrameExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, FramePrefix), FrameExt)
	if len(digits) != 6 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// frameWriter turns grabbed images into numbered JPEG files. Each frame is
// written under a hidden name and renamed into place, so a reader listing
// the directory never sees a partial JPEG. Once ctx is done nothing more is
// published, so an abandoned writer cannot take an index the next backend
// starts from.
type frameWriter struct {
	ctx     context.Context
	dir     string
	next    int
	scale   float64
	quality int
}

func newFrameWriter(ctx context.Context, p Params) *frameWriter {
	quality := p.JPEGQuality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	return &frameWriter{
		ctx:     ctx,
		dir:     p.OutputDir,
		next:    p.StartIndex,
		scale:   p.Scale,
		quality: quality,
	}
}

func (w *frameWriter) Write(img image.Image) (int64, error) {
	img = scaleImage(img, w.scale)

	name := FrameName(w.next)
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create frame file: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: w.quality}); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to encode frame %d: %w", w.next, err)
	}
	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close frame file: %w", err)
	}
	if err := w.ctx.Err(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name)); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to publish frame %d: %w", w.next, err)
	}
	w.next++

	if statErr != nil {
		return 0, nil
	}
	return info.Size(), nil
}

func scaleImage(img image.Image, scale float64) image.Image {
	if scale <= 0 || scale == 1 {
		return img
	}
	b := img.Bounds()
	width := uint(float64(b.Dx()) * scale)
	height := uint(float64(b.Dy()) * scale)
	if width == 0 || height == 0 {
		return img
	}
	return resize.Resize(width, height, img, resize.Bilinear)
}
