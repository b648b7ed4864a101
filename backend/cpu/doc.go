// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go CPU device session.
//
// # Overview
//
// This package implements a device session with:
//   - Pure Go implementation (no CGO)
//   - Lazily materialized surfaces (a surface costs memory once written)
//   - Float32 or Float16 surface storage
//   - Im2col-based convolutions on up to four helper goroutines
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/tilenet/backend/cpu"
//	    "github.com/born-ml/tilenet/network"
//	)
//
//	func main() {
//	    session, _ := cpu.New()
//	    defer session.Close()
//
//	    eng, _ := network.New(session, network.ResNet50(network.DefaultResNetOptions()),
//	        network.XavierParameters(1), network.DefaultConfig())
//	}
//
// # Precision
//
// With WithPrecision(layout.Float16) every surface write rounds through
// binary16, which matches devices that store half-float textures.
//
// # Thread Safety
//
// A session serves one engine's submission goroutine. Close it after every
// engine using it has been closed.
package cpu
