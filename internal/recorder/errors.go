package recorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
)

var (
	ErrNotRecording     = errors.New("no recording in progress")
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrBusy             = errors.New("recorder is busy saving or recording")
	ErrCanceled         = errors.New("recording canceled")
)

// NoFramesCapturedError is returned by Stop when nothing reached disk.
// Message explains what to check.
type NoFramesCapturedError struct {
	Message string
}

func (e *NoFramesCapturedError) Error() string {
	return "no frames captured: " + e.Message
}

// StallError describes a backend that stopped delivering frames. It is
// logged and recorded in diagnostics, never returned to callers.
type StallError struct {
	Method capture.Method
	Idle   time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("%s delivered no frames for %s", e.Method.DisplayName(), e.Idle.Round(time.Millisecond))
}

// noFramesHint suggests the likely cause for the host platform.
func noFramesHint(caps capture.PlatformCapabilities) string {
	switch caps.OS {
	case "darwin":
		return "grant Screen Recording permission to your terminal in System Settings > Privacy & Security > Screen Recording and restart it; " +
			"unsigned or rebuilt binaries may need to be approved again; make sure the region lies on a connected display"
	case "windows":
		return "make sure the region lies on an active display and is not covered by protected content"
	case "linux":
		if !caps.HasNativeCapture && caps.Reason != "" {
			return fmt.Sprintf("%s; screen reads need an X11 session (log in with an Xorg session or run under XWayland with DISPLAY set)", caps.Reason)
		}
		return "check that DISPLAY points at a running X server and the region lies on an active display"
	}
	return "make sure the region lies on an active display"
}
