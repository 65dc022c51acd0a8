package capture

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/kbinani/screenshot"
)

// PlatformCapabilities describes which capture methods this host supports
// and the order they are tried in. It is resolved once at startup.
type PlatformCapabilities struct {
	OS               string   `json:"os"`
	HasNativeCapture bool     `json:"has_native_capture"`
	FallbackOrder    []Method `json:"fallback_order"`
	Reason           string   `json:"reason,omitempty"`
}

// DetectPlatform inspects the running host.
func DetectPlatform() PlatformCapabilities {
	return detectPlatform(runtime.GOOS, os.Getenv)
}

func detectPlatform(goos string, getenv func(string) string) PlatformCapabilities {
	caps := PlatformCapabilities{
		OS:            goos,
		FallbackOrder: []Method{MethodPixelPoll, MethodExternal},
	}

	if goos != "linux" {
		caps.Reason = "native capture is only implemented for X11 sessions"
		return caps
	}

	switch {
	case getenv("DISPLAY") == "":
		caps.Reason = "DISPLAY is not set"
	case getenv("WAYLAND_DISPLAY") != "", strings.EqualFold(getenv("XDG_SESSION_TYPE"), "wayland"):
		// XWayland answers GetImage with black frames.
		caps.Reason = "Wayland session detected"
	default:
		caps.HasNativeCapture = true
		caps.FallbackOrder = []Method{MethodNative, MethodPixelPoll, MethodExternal}
	}
	return caps
}

// Describe renders the capabilities for CLI output.
func (c PlatformCapabilities) Describe() string {
	names := make([]string, 0, len(c.FallbackOrder))
	for _, m := range c.FallbackOrder {
		names = append(names, m.DisplayName())
	}
	s := fmt.Sprintf("os=%s native=%t order=%s", c.OS, c.HasNativeCapture, strings.Join(names, " -> "))
	if c.Reason != "" {
		s += " (" + c.Reason + ")"
	}
	return s
}

// ListDisplays returns the bounds of every active display.
func ListDisplays() []Rect {
	n := screenshot.NumActiveDisplays()
	displays := make([]Rect, 0, n)
	for i := 0; i < n; i++ {
		displays = append(displays, RectFromImage(screenshot.GetDisplayBounds(i)))
	}
	return displays
}

// PrimaryDisplay returns the bounds of display 0.
func PrimaryDisplay() (Rect, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return Rect{}, fmt.Errorf("no active displays found")
	}
	return RectFromImage(screenshot.GetDisplayBounds(0)), nil
}
