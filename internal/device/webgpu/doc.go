// Package webgpu implements a device session on WebGPU through go-webgpu.
//
// Surfaces are float32 storage buffers recycled through a size-classed pool.
// Copy and cast layers run as WGSL compute shaders; other layers read their
// inputs back and use the reference kernels. The session is only built on
// Windows, where go-webgpu loads wgpu-native without cgo; elsewhere New
// reports ErrUnsupported.
package webgpu

import "errors"

// ErrUnsupported is returned by New on platforms without a WebGPU binding.
var ErrUnsupported = errors.New("webgpu: not supported on this platform")
