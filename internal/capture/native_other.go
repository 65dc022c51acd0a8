//go:build !linux

package capture

import (
	"context"
	"time"
)

// NewNative returns a stub on platforms without a native capture path.
func NewNative(time.Duration) Backend {
	return unsupportedNative{}
}

type unsupportedNative struct{}

func (unsupportedNative) Method() Method { return MethodNative }

func (unsupportedNative) Start(context.Context, Params) error {
	return &InitError{Method: MethodNative, Err: ErrNotImplemented}
}

func (unsupportedNative) Stop() error { return nil }

func (unsupportedNative) IsRunning() bool { return false }
