package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
)

// NewPixelPoll returns a backend that reads the screen buffer on a timer.
// It works wherever kbinani/screenshot does and is the general fallback.
func NewPixelPoll(stopTimeout time.Duration) Backend {
	return &pollingBackend{
		method:      MethodPixelPoll,
		newGrabber:  func() grabber { return &screenshotGrabber{} },
		stopTimeout: stopTimeout,
	}
}

type screenshotGrabber struct {
	region image.Rectangle
}

func (g *screenshotGrabber) Open(region Rect) error {
	if screenshot.NumActiveDisplays() == 0 {
		return fmt.Errorf("no active displays")
	}
	g.region = region.ImageRect()
	return nil
}

func (g *screenshotGrabber) Grab() (image.Image, error) {
	img, err := screenshot.CaptureRect(g.region)
	if err != nil {
		return nil, fmt.Errorf("screen read failed: %w", err)
	}
	return img, nil
}

func (g *screenshotGrabber) Close() error { return nil }
