// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/tilenet/internal/device/cpu"
	"github.com/born-ml/tilenet/layout"
	"github.com/born-ml/tilenet/network"
)

// Session represents the CPU device session.
//
// Surfaces are host slices stored at the session precision; layers run on
// the pure Go reference kernels.
type Session = internalcpu.Session

// Compile-time check that Session implements network.Session.
var _ network.Session = (*Session)(nil)

// Option configures a Session.
type Option = internalcpu.Option

// MaxThreads bounds the helper pool of a session.
const MaxThreads = internalcpu.MaxThreads

// New creates a new CPU session.
//
// Example:
//
//	import (
//	    "github.com/born-ml/tilenet/backend/cpu"
//	    "github.com/born-ml/tilenet/network"
//	)
//
//	func main() {
//	    session, err := cpu.New(cpu.WithThreads(2))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer session.Close()
//	}
func New(opts ...Option) (*Session, error) {
	return internalcpu.New(opts...)
}

// WithThreads sets the helper pool size, clamped to [1, MaxThreads].
func WithThreads(n int) Option {
	return internalcpu.WithThreads(n)
}

// WithPrecision stores surfaces as float16 or float32.
func WithPrecision(dt layout.DataType) Option {
	return internalcpu.WithPrecision(dt)
}

// WithoutThreading disables background submission. Async networks are
// rejected on such a session.
func WithoutThreading() Option {
	return internalcpu.WithoutThreading()
}

// Features lists the SIMD extensions reported by the host CPU.
func Features() []string {
	return internalcpu.Features()
}
