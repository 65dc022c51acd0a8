package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// NewNative returns the X11 backend. It talks to the X server directly over
// a single connection held for the whole recording.
func NewNative(stopTimeout time.Duration) Backend {
	return &pollingBackend{
		method:      MethodNative,
		newGrabber:  func() grabber { return &x11Grabber{} },
		stopTimeout: stopTimeout,
	}
}

type x11Grabber struct {
	conn   *xgb.Conn
	root   xproto.Window
	region Rect
}

func (g *x11Grabber) Open(region Rect) error {
	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("cannot connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)

	if region.X < 0 || region.Y < 0 ||
		region.X+region.Width > int(screen.WidthInPixels) ||
		region.Y+region.Height > int(screen.HeightInPixels) {
		conn.Close()
		return fmt.Errorf("%w: %s outside root window %dx%d", ErrInvalidRegion, region, screen.WidthInPixels, screen.HeightInPixels)
	}

	g.conn = conn
	g.root = screen.Root
	g.region = region
	return nil
}

func (g *x11Grabber) Grab() (image.Image, error) {
	r := g.region
	reply, err := xproto.GetImage(g.conn, xproto.ImageFormatZPixmap, xproto.Drawable(g.root),
		int16(r.X), int16(r.Y), uint16(r.Width), uint16(r.Height), 0xffffffff).Reply()
	if err != nil {
		return nil, fmt.Errorf("GetImage failed: %w", err)
	}
	return bgrxToRGBA(reply.Data, r.Width, r.Height)
}

func (g *x11Grabber) Close() error {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	return nil
}

// bgrxToRGBA converts a 32 bpp ZPixmap into an opaque RGBA image.
func bgrxToRGBA(data []byte, width, height int) (*image.RGBA, error) {
	if len(data) < width*height*4 {
		return nil, fmt.Errorf("unexpected image size %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		o := i * 4
		img.Pix[o] = data[o+2]
		img.Pix[o+1] = data[o+1]
		img.Pix[o+2] = data[o]
		img.Pix[o+3] = 0xff
	}
	return img, nil
}
