//go:build !windows

package webgpu

import "github.com/born-ml/tilenet/internal/device"

// Session is unavailable on this platform.
type Session struct {
	device.Session
}

// New always fails on this platform.
func New() (*Session, error) { return nil, ErrUnsupported }

// IsAvailable reports false on this platform.
func IsAvailable() bool { return false }
