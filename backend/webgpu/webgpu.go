// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device session.
//
// WebGPU is a cross-platform graphics and compute API. The session is
// available on Windows, where go-webgpu loads wgpu-native without cgo; on
// other platforms New returns ErrUnsupported.
//
// Example:
//
//	import (
//	    "github.com/born-ml/tilenet/backend/cpu"
//	    "github.com/born-ml/tilenet/backend/webgpu"
//	    "github.com/born-ml/tilenet/network"
//	)
//
//	func main() {
//	    var session network.Session
//	    if webgpu.IsAvailable() {
//	        session, _ = webgpu.New()
//	    } else {
//	        session, _ = cpu.New()
//	    }
//	    defer session.Close()
//	}
package webgpu

import (
	internalwebgpu "github.com/born-ml/tilenet/internal/device/webgpu"
	"github.com/born-ml/tilenet/network"
)

// Session represents the WebGPU device session.
type Session = internalwebgpu.Session

// Compile-time check that Session implements network.Session.
var _ network.Session = (*Session)(nil)

// ErrUnsupported is returned by New on platforms without a WebGPU binding.
var ErrUnsupported = internalwebgpu.ErrUnsupported

// New opens the default high-performance adapter.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible GPU).
// Call Close when done to free GPU resources.
func New() (*Session, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on the current system.
//
// It's useful for graceful fallback to the CPU session when no GPU is
// present.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
